// Package protonet implements Prototypical Networks: class prototypes are the
// mean embedding of each class's support examples and queries are classified
// by a softmax over negative squared Euclidean distances to the prototypes.
package protonet

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
	"csi-fewshot/internal/distance"
	"csi-fewshot/internal/model"
)

var (
	// ErrNotDifferentiable is returned by Train when the encoder cannot
	// record a backward pass.
	ErrNotDifferentiable = errors.New("protonet: encoder is not differentiable")

	// ErrBackwardApplied is returned by a second Step.Backward call.
	ErrBackwardApplied = errors.New("protonet: backward already applied")
)

// Classifier runs episodes against an encoder. It holds no per-episode
// state; only the encoder's parameters persist between calls.
type Classifier struct {
	enc model.Encoder
}

// New wraps enc.
func New(enc model.Encoder) *Classifier {
	return &Classifier{enc: enc}
}

// Result is the outcome of one episode.
type Result struct {
	Loss     float64
	Accuracy float64

	// Predictions is indexed [class][query] and holds predicted class slots.
	Predictions [][]int

	// LogPosterior is indexed [class][query][class].
	LogPosterior [][][]float64

	// Distances has one row per query (class-major) and one column per
	// prototype.
	Distances *mat.Dense

	// Targets holds the true class slot of every query row.
	Targets []int

	// Labels maps class slot to dataset label.
	Labels []int
}

// Step is a training episode whose loss can be backpropagated into the
// encoder's parameter gradients.
type Step struct {
	Result
	backward func()
	applied  bool
}

// Backward accumulates dLoss/dParam into the encoder's gradients. It does
// not update parameters; that is the optimizer's job.
func (s *Step) Backward() error {
	if s.applied {
		return ErrBackwardApplied
	}
	s.applied = true
	s.backward()
	return nil
}

// Train runs one episode with gradient recording.
func (c *Classifier) Train(dev *device.Device, ep Episode) (*Step, error) {
	diff, ok := c.enc.(model.Differentiable)
	if !ok {
		return nil, ErrNotDifferentiable
	}
	f, err := c.forward(dev, ep, diff)
	if err != nil {
		return nil, err
	}
	return &Step{Result: f.result, backward: f.backward}, nil
}

// Evaluate runs one episode without recording gradients.
func (c *Classifier) Evaluate(dev *device.Device, ep Episode) (Result, error) {
	f, err := c.forward(dev, ep, nil)
	if err != nil {
		return Result{}, err
	}
	return f.result, nil
}

type episodeForward struct {
	result   Result
	backward func()
}

func (c *Classifier) forward(dev *device.Device, ep Episode, diff model.Differentiable) (*episodeForward, error) {
	if ep.NSupport <= 0 || ep.NQuery <= 0 {
		return nil, fmt.Errorf("%w: n_support=%d n_query=%d", ErrInvalidEpisode, ep.NSupport, ep.NQuery)
	}
	width, err := validate(ep.Examples, ep.NWay, ep.NSupport+ep.NQuery)
	if err != nil {
		return nil, err
	}
	labels, err := resolveLabels(ep.Labels, ep.NWay)
	if err != nil {
		return nil, err
	}
	nWay, nSupport, nQuery := ep.NWay, ep.NSupport, ep.NQuery

	xs, _ := gather(ep.Examples, 0, nSupport, width)
	xq, targets := gather(ep.Examples, nSupport, nQuery, width)

	var zs, zq *mat.Dense
	var backS, backQ model.Backward
	if diff != nil {
		if zs, backS, err = diff.Forward(dev, xs); err != nil {
			return nil, fmt.Errorf("encode support: %w", err)
		}
		if zq, backQ, err = diff.Forward(dev, xq); err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
	} else {
		if zs, err = c.enc.Embed(dev, xs); err != nil {
			return nil, fmt.Errorf("encode support: %w", err)
		}
		if zq, err = c.enc.Embed(dev, xq); err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
	}
	if r, _ := zs.Dims(); r != nWay*nSupport {
		return nil, fmt.Errorf("protonet: encoder returned %d support rows, want %d", r, nWay*nSupport)
	}
	if r, _ := zq.Dims(); r != nWay*nQuery {
		return nil, fmt.Errorf("protonet: encoder returned %d query rows, want %d", r, nWay*nQuery)
	}

	protos := classMeans(zs, nWay, nSupport)
	dists, err := distance.SquaredEuclidean(dev, zq, protos)
	if err != nil {
		return nil, err
	}
	logp := distance.LogSoftmaxNeg(dev, dists)
	yhat := distance.ArgMaxRows(logp)

	n := len(targets)
	var loss float64
	correct := 0
	for r, t := range targets {
		loss -= logp.At(r, t)
		if yhat[r] == t {
			correct++
		}
	}
	res := Result{
		Loss:         loss / float64(n),
		Accuracy:     float64(correct) / float64(n),
		Predictions:  make([][]int, nWay),
		LogPosterior: make([][][]float64, nWay),
		Distances:    dists,
		Targets:      targets,
		Labels:       labels,
	}
	for cls := 0; cls < nWay; cls++ {
		res.Predictions[cls] = make([]int, nQuery)
		res.LogPosterior[cls] = make([][]float64, nQuery)
		for q := 0; q < nQuery; q++ {
			r := cls*nQuery + q
			res.Predictions[cls][q] = yhat[r]
			res.LogPosterior[cls][q] = append([]float64(nil), logp.RawRowView(r)...)
		}
	}

	out := &episodeForward{result: res}
	if diff != nil {
		out.backward = func() {
			gzq, gzs := episodeGradients(zq, protos, logp, targets, nSupport)
			backQ(gzq)
			backS(gzs)
		}
	}
	return out, nil
}

// episodeGradients returns dLoss/dQueryEmbedding and dLoss/dSupportEmbedding
// for loss = -mean(logp[r, target_r]).
func episodeGradients(zq, protos, logp *mat.Dense, targets []int, nSupport int) (*mat.Dense, *mat.Dense) {
	nq, dim := zq.Dims()
	nWay, _ := protos.Dims()
	gzq := mat.NewDense(nq, dim, nil)
	gproto := mat.NewDense(nWay, dim, nil)
	diff := make([]float64, dim)
	scale := 1 / float64(nq)
	for r := 0; r < nq; r++ {
		q := zq.RawRowView(r)
		gq := gzq.RawRowView(r)
		lp := logp.RawRowView(r)
		for k := 0; k < nWay; k++ {
			// dLoss/dDist[r,k] = (onehot - p) / N
			g := -math.Exp(lp[k])
			if k == targets[r] {
				g++
			}
			g *= scale
			floats.SubTo(diff, q, protos.RawRowView(k))
			floats.AddScaled(gq, 2*g, diff)
			floats.AddScaled(gproto.RawRowView(k), -2*g, diff)
		}
	}
	gzs := mat.NewDense(nWay*nSupport, dim, nil)
	inv := 1 / float64(nSupport)
	for k := 0; k < nWay; k++ {
		src := gproto.RawRowView(k)
		for s := 0; s < nSupport; s++ {
			floats.AddScaled(gzs.RawRowView(k*nSupport+s), inv, src)
		}
	}
	return gzq, gzs
}

// BuildPrototypes embeds a support set once and returns one mean embedding
// per class for reuse across many inferences.
func (c *Classifier) BuildPrototypes(dev *device.Device, s SupportSet) (*Prototypes, error) {
	if s.NSupport <= 0 {
		return nil, fmt.Errorf("%w: n_support=%d", ErrInvalidEpisode, s.NSupport)
	}
	width, err := validate(s.Examples, s.NWay, s.NSupport)
	if err != nil {
		return nil, err
	}
	labels, err := resolveLabels(s.Labels, s.NWay)
	if err != nil {
		return nil, err
	}
	xs, _ := gather(s.Examples, 0, s.NSupport, width)
	zs, err := c.enc.Embed(dev, xs)
	if err != nil {
		return nil, fmt.Errorf("encode support: %w", err)
	}
	if r, _ := zs.Dims(); r != s.NWay*s.NSupport {
		return nil, fmt.Errorf("protonet: encoder returned %d support rows, want %d", r, s.NWay*s.NSupport)
	}
	return &Prototypes{Matrix: classMeans(zs, s.NWay, s.NSupport), Labels: labels}, nil
}

// InferResult is the outcome of classifying one query.
type InferResult struct {
	// Class is the prototype row with the highest posterior.
	Class int
	// Predicted is the dataset label of that row.
	Predicted int
	// Label is the ground truth supplied by the caller; negative if unknown.
	Label   int
	Correct bool

	LogPosterior []float64
	Distances    []float64
}

// Infer classifies a single query against a prebuilt prototype table. label
// is only used to report Correct.
func (c *Classifier) Infer(dev *device.Device, query []float64, protos *Prototypes, label int) (InferResult, error) {
	if len(query) == 0 {
		return InferResult{}, fmt.Errorf("%w: empty query", ErrInvalidEpisode)
	}
	x := mat.NewDense(1, len(query), append([]float64(nil), query...))
	dists, logp, err := c.posterior(dev, x, protos)
	if err != nil {
		return InferResult{}, err
	}
	cls := distance.ArgMaxRows(logp)[0]
	res := InferResult{
		Class:        cls,
		Predicted:    protos.Labels[cls],
		Label:        label,
		LogPosterior: append([]float64(nil), logp.RawRowView(0)...),
		Distances:    append([]float64(nil), dists.RawRowView(0)...),
	}
	res.Correct = label >= 0 && res.Predicted == label
	return res, nil
}

// Predict classifies every row of x and returns dataset labels.
func (c *Classifier) Predict(dev *device.Device, x *mat.Dense, protos *Prototypes) ([]int, error) {
	_, logp, err := c.posterior(dev, x, protos)
	if err != nil {
		return nil, err
	}
	idx := distance.ArgMaxRows(logp)
	out := make([]int, len(idx))
	for i, cls := range idx {
		out[i] = protos.Labels[cls]
	}
	return out, nil
}

func (c *Classifier) posterior(dev *device.Device, x *mat.Dense, protos *Prototypes) (*mat.Dense, *mat.Dense, error) {
	if protos == nil || protos.Matrix == nil {
		return nil, nil, errors.New("protonet: nil prototype table")
	}
	if len(protos.Labels) != protos.NWay() {
		return nil, nil, fmt.Errorf("protonet: %d labels for %d prototypes", len(protos.Labels), protos.NWay())
	}
	z, err := c.enc.Embed(dev, x)
	if err != nil {
		return nil, nil, fmt.Errorf("encode query: %w", err)
	}
	dists, err := distance.SquaredEuclidean(dev, z, protos.Matrix)
	if err != nil {
		return nil, nil, err
	}
	return dists, distance.LogSoftmaxNeg(dev, dists), nil
}
