package protonet

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
	"csi-fewshot/internal/model"
	"csi-fewshot/internal/optim"
)

type identityEncoder struct{}

func (identityEncoder) Embed(_ *device.Device, x *mat.Dense) (*mat.Dense, error) {
	return mat.DenseCopyOf(x), nil
}

// clusters returns nWay classes of perClass points scattered around
// well-separated centers.
func clusters(nWay, perClass, dim int, spread float64, seed int64) [][][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][][]float64, nWay)
	for c := range out {
		out[c] = make([][]float64, perClass)
		for e := range out[c] {
			v := make([]float64, dim)
			for j := range v {
				v[j] = rng.NormFloat64() * spread
			}
			v[c%dim] += 10
			out[c][e] = v
		}
	}
	return out
}

func scaled(data [][][]float64, f float64) [][][]float64 {
	out := make([][][]float64, len(data))
	for c, class := range data {
		for _, v := range class {
			w := make([]float64, len(v))
			for j := range v {
				w[j] = v[j] * f
			}
			out[c] = append(out[c], w)
		}
	}
	return out
}

func snapshot(params []*model.Param) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		out[i] = mat.DenseCopyOf(p.Value)
	}
	return out
}

func TestTrainEpisodeShapes(t *testing.T) {
	enc, err := model.NewDenseEncoder(30, []int{32}, 64, 1)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	ep := Episode{Examples: clusters(4, 6, 30, 1, 2), NWay: 4, NSupport: 5, NQuery: 1}
	step, err := New(enc).Train(&device.Device{Workers: 2}, ep)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if r, c := step.Distances.Dims(); r != 4 || c != 4 {
		t.Fatalf("distance matrix %dx%d, want 4x4", r, c)
	}
	if len(step.LogPosterior) != 4 || len(step.LogPosterior[0]) != 1 || len(step.LogPosterior[0][0]) != 4 {
		t.Fatalf("log posterior shape wrong: %d x %d x %d", len(step.LogPosterior), len(step.LogPosterior[0]), len(step.LogPosterior[0][0]))
	}
	if len(step.Predictions) != 4 {
		t.Fatalf("expected 4 prediction rows, got %d", len(step.Predictions))
	}
	for c, row := range step.Predictions {
		if len(row) != 1 {
			t.Fatalf("class %d has %d predictions, want 1", c, len(row))
		}
		for _, p := range row {
			if p < 0 || p >= 4 {
				t.Fatalf("prediction %d out of range", p)
			}
		}
	}
	if step.Loss < 0 {
		t.Fatalf("negative loss %f", step.Loss)
	}
	if step.Accuracy < 0 || step.Accuracy > 1 {
		t.Fatalf("accuracy out of range %f", step.Accuracy)
	}
}

func TestEvaluateSeparatedClusters(t *testing.T) {
	ep := Episode{Examples: clusters(3, 8, 4, 0.1, 3), NWay: 3, NSupport: 5, NQuery: 3}
	res, err := New(identityEncoder{}).Evaluate(nil, ep)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Accuracy != 1 {
		t.Fatalf("expected perfect accuracy, got %f (%v)", res.Accuracy, res.Predictions)
	}
	if res.Loss > 1e-3 {
		t.Fatalf("expected near-zero loss, got %f", res.Loss)
	}
	for r, target := range res.Targets {
		if target != r/3 {
			t.Fatalf("target[%d]=%d want %d", r, target, r/3)
		}
	}
	if len(res.Labels) != 3 || res.Labels[0] != 0 || res.Labels[2] != 2 {
		t.Fatalf("default labels %v, want [0 1 2]", res.Labels)
	}
}

func TestResultMapsSlotsToDatasetLabels(t *testing.T) {
	ep := Episode{Examples: clusters(3, 4, 4, 0.1, 6), NWay: 3, NSupport: 2, NQuery: 2, Labels: []int{9, 4, 7}}
	res, err := New(identityEncoder{}).Evaluate(nil, ep)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Labels) != 3 || res.Labels[0] != 9 || res.Labels[1] != 4 || res.Labels[2] != 7 {
		t.Fatalf("unexpected labels %v", res.Labels)
	}
	for cls, row := range res.Predictions {
		for _, slot := range row {
			if res.Labels[slot] != ep.Labels[cls] {
				t.Fatalf("class %d query mapped to label %d, want %d", cls, res.Labels[slot], ep.Labels[cls])
			}
		}
	}
	ep.Labels[0] = 1
	if res.Labels[0] != 9 {
		t.Fatal("result labels must not alias the episode")
	}
}

func TestEvaluateUsesOnlyRequestedQueries(t *testing.T) {
	ep := Episode{Examples: clusters(2, 10, 3, 0.1, 4), NWay: 2, NSupport: 2, NQuery: 3}
	res, err := New(identityEncoder{}).Evaluate(nil, ep)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if r, _ := res.Distances.Dims(); r != 6 {
		t.Fatalf("expected 6 query rows, got %d", r)
	}
}

func TestInsufficientExamplesFails(t *testing.T) {
	ep := Episode{Examples: clusters(3, 4, 2, 1, 5), NWay: 3, NSupport: 3, NQuery: 2}
	_, err := New(identityEncoder{}).Evaluate(nil, ep)
	if !errors.Is(err, ErrInsufficientExamples) {
		t.Fatalf("expected ErrInsufficientExamples, got %v", err)
	}
}

func TestInvalidEpisodes(t *testing.T) {
	c := New(identityEncoder{})
	data := clusters(2, 4, 2, 1, 6)
	cases := map[string]Episode{
		"way mismatch":  {Examples: data, NWay: 3, NSupport: 1, NQuery: 1},
		"zero query":    {Examples: data, NWay: 2, NSupport: 1, NQuery: 0},
		"label count":   {Examples: data, NWay: 2, NSupport: 1, NQuery: 1, Labels: []int{4}},
		"ragged inputs": {Examples: [][][]float64{{{1, 2}, {1}}, {{1, 2}, {3, 4}}}, NWay: 2, NSupport: 1, NQuery: 1},
	}
	for name, ep := range cases {
		if _, err := c.Evaluate(nil, ep); !errors.Is(err, ErrInvalidEpisode) {
			t.Fatalf("%s: expected ErrInvalidEpisode, got %v", name, err)
		}
	}
}

func TestTrainRequiresDifferentiableEncoder(t *testing.T) {
	ep := Episode{Examples: clusters(2, 2, 2, 1, 7), NWay: 2, NSupport: 1, NQuery: 1}
	if _, err := New(identityEncoder{}).Train(nil, ep); !errors.Is(err, ErrNotDifferentiable) {
		t.Fatalf("expected ErrNotDifferentiable, got %v", err)
	}
}

func TestBuildPrototypesIdempotentAndOrderInvariant(t *testing.T) {
	enc, err := model.NewDenseEncoder(6, []int{8}, 4, 9)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	c := New(enc)
	data := clusters(3, 5, 6, 1, 10)
	support := SupportSet{Examples: data, NWay: 3, NSupport: 5}

	first, err := c.BuildPrototypes(nil, support)
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}
	second, err := c.BuildPrototypes(&device.Device{Workers: 4}, support)
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}
	if !mat.Equal(first.Matrix, second.Matrix) {
		t.Fatal("prototype construction is not bitwise idempotent")
	}

	reversed := make([][][]float64, len(data))
	for k, class := range data {
		for i := len(class) - 1; i >= 0; i-- {
			reversed[k] = append(reversed[k], class[i])
		}
	}
	shuffled, err := c.BuildPrototypes(nil, SupportSet{Examples: reversed, NWay: 3, NSupport: 5})
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}
	if !mat.EqualApprox(first.Matrix, shuffled.Matrix, 1e-12) {
		t.Fatal("prototypes depend on support order")
	}

	fewer, err := c.BuildPrototypes(nil, SupportSet{Examples: data, NWay: 3, NSupport: 2})
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}
	if mat.EqualApprox(first.Matrix, fewer.Matrix, 1e-12) {
		t.Fatal("prototypes ignored which examples form the support set")
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	enc, err := model.NewDenseEncoder(3, []int{4}, 3, 11)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	c := New(enc)
	ep := Episode{Examples: clusters(3, 4, 3, 1, 12), NWay: 3, NSupport: 2, NQuery: 2}

	step, err := c.Train(nil, ep)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := step.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if err := step.Backward(); !errors.Is(err, ErrBackwardApplied) {
		t.Fatalf("expected ErrBackwardApplied, got %v", err)
	}

	lossAt := func() float64 {
		res, err := c.Evaluate(nil, ep)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		return res.Loss
	}
	const eps = 1e-6
	for _, p := range enc.Params() {
		raw := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		for i := range raw {
			orig := raw[i]
			raw[i] = orig + eps
			up := lossAt()
			raw[i] = orig - eps
			down := lossAt()
			raw[i] = orig
			num := (up - down) / (2 * eps)
			if math.Abs(num-grad[i]) > 1e-5 {
				t.Fatalf("%s[%d]: analytic %.8f numeric %.8f", p.Name, i, grad[i], num)
			}
		}
	}
}

func TestTrainLeavesParametersAndOptimizerLowersLoss(t *testing.T) {
	enc, err := model.NewDenseEncoder(8, []int{16}, 8, 13)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	c := New(enc)
	ep := Episode{Examples: scaled(clusters(4, 6, 8, 2, 14), 0.05), NWay: 4, NSupport: 3, NQuery: 3}
	opt := optim.NewAdam(enc.Params(), 0.01)

	before := snapshot(enc.Params())
	first, err := c.Train(nil, ep)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, p := range enc.Params() {
		if !mat.Equal(before[i], p.Value) {
			t.Fatalf("Train mutated %s", p.Name)
		}
	}

	step := first
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		if err := step.Backward(); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		opt.Step()
		if step, err = c.Train(nil, ep); err != nil {
			t.Fatalf("Train: %v", err)
		}
	}
	if step.Loss >= first.Loss {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first.Loss, step.Loss)
	}
}

func TestInferSingleQuery(t *testing.T) {
	c := New(identityEncoder{})
	data := clusters(3, 4, 3, 0.1, 15)
	protos, err := c.BuildPrototypes(nil, SupportSet{Examples: data, NWay: 3, NSupport: 3, Labels: []int{7, 8, 9}})
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}

	res, err := c.Infer(nil, data[1][3], protos, 8)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Class != 1 || res.Predicted != 8 || !res.Correct {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.LogPosterior) != 3 || len(res.Distances) != 3 {
		t.Fatalf("expected 3-way posterior, got %d/%d", len(res.LogPosterior), len(res.Distances))
	}

	res, err = c.Infer(nil, data[2][3], protos, -1)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Predicted != 9 || res.Correct {
		t.Fatalf("unknown label must not count as correct: %+v", res)
	}

	if _, err := c.Infer(nil, []float64{1, 2}, protos, 7); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestPredictBatch(t *testing.T) {
	c := New(identityEncoder{})
	data := clusters(2, 3, 2, 0.1, 16)
	protos, err := c.BuildPrototypes(nil, SupportSet{Examples: data, NWay: 2, NSupport: 2})
	if err != nil {
		t.Fatalf("BuildPrototypes: %v", err)
	}
	x, err := model.Stack([][]float64{data[1][2], data[0][2]})
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	got, err := c.Predict(nil, x, protos)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got[0] != 1 || got[1] != 0 {
		t.Fatalf("expected [1 0], got %v", got)
	}
}
