package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"csi-fewshot/internal/protonet"
)

// Pool groups CSI samples by label.
type Pool struct {
	byLabel map[int][][]float64
	labels  []int
	dim     int
	size    int
}

// NewPool groups samples by label. All samples must share one width.
func NewPool(samples []Sample) (*Pool, error) {
	if len(samples) == 0 {
		return nil, errors.New("pool: no samples")
	}
	p := &Pool{byLabel: make(map[int][][]float64), dim: len(samples[0].Features)}
	for _, s := range samples {
		if len(s.Features) != p.dim {
			return nil, fmt.Errorf("pool: sample %s has %d features, want %d", s.Key, len(s.Features), p.dim)
		}
		if s.Label < 0 {
			return nil, fmt.Errorf("pool: sample %s has negative label %d", s.Key, s.Label)
		}
		if _, ok := p.byLabel[s.Label]; !ok {
			p.labels = append(p.labels, s.Label)
		}
		p.byLabel[s.Label] = append(p.byLabel[s.Label], s.Features)
		p.size++
	}
	sort.Ints(p.labels)
	return p, nil
}

// LoadPool reads every shard under roots once.
func LoadPool(ctx context.Context, roots []string, opts SamplerOptions) (*Pool, error) {
	discovered, err := DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	opts.Roots = discovered
	opts.Once = true
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		return nil, err
	}
	var samples []Sample
	for stream != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			samples = append(samples, s)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return NewPool(samples)
}

// Synthetic draws perClass gaussian samples around one random center per
// class. It stands in for recorded CSI in demos and tests.
func Synthetic(classes, perClass, dim int, spread float64, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Sample, 0, classes*perClass)
	for c := 0; c < classes; c++ {
		center := make([]float64, dim)
		for j := range center {
			center[j] = rng.NormFloat64()
		}
		for e := 0; e < perClass; e++ {
			v := make([]float64, dim)
			for j := range v {
				v[j] = center[j] + rng.NormFloat64()*spread
			}
			out = append(out, Sample{Key: "syn-" + strconv.Itoa(c) + "-" + strconv.Itoa(e), Features: v, Label: c})
		}
	}
	return out
}

// Labels returns the distinct labels in ascending order.
func (p *Pool) Labels() []int { return append([]int(nil), p.labels...) }

// Examples returns the samples recorded for label.
func (p *Pool) Examples(label int) [][]float64 { return p.byLabel[label] }

// Dim is the feature width.
func (p *Pool) Dim() int { return p.dim }

// Len is the total number of samples.
func (p *Pool) Len() int { return p.size }

// NumClasses is the largest label plus one.
func (p *Pool) NumClasses() int {
	if len(p.labels) == 0 {
		return 0
	}
	return p.labels[len(p.labels)-1] + 1
}

// Samples flattens the pool in label order.
func (p *Pool) Samples() []Sample {
	out := make([]Sample, 0, p.size)
	for _, label := range p.labels {
		for i, f := range p.byLabel[label] {
			out = append(out, Sample{Key: strconv.Itoa(label) + "/" + strconv.Itoa(i), Features: f, Label: label})
		}
	}
	return out
}

// Split moves a seeded random fraction of every class into a second pool.
// Classes keep at least one sample on each side when they have two or more.
func (p *Pool) Split(frac float64, seed int64) (*Pool, *Pool, error) {
	if frac <= 0 || frac >= 1 {
		return nil, nil, fmt.Errorf("pool: split fraction must be in (0,1), got %f", frac)
	}
	rng := rand.New(rand.NewSource(seed))
	var keep, moved []Sample
	for _, label := range p.labels {
		examples := p.byLabel[label]
		perm := rng.Perm(len(examples))
		n := int(float64(len(examples)) * frac)
		if n == 0 && len(examples) > 1 {
			n = 1
		}
		if n == len(examples) && n > 1 {
			n--
		}
		for i, idx := range perm {
			s := Sample{Key: strconv.Itoa(label) + "/" + strconv.Itoa(idx), Features: examples[idx], Label: label}
			if i < n {
				moved = append(moved, s)
			} else {
				keep = append(keep, s)
			}
		}
	}
	a, err := NewPool(keep)
	if err != nil {
		return nil, nil, err
	}
	b, err := NewPool(moved)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// SupportSet takes the first nSupport examples of every class that has
// enough of them.
func (p *Pool) SupportSet(nSupport int) (protonet.SupportSet, error) {
	if nSupport <= 0 {
		return protonet.SupportSet{}, fmt.Errorf("pool: n_support must be > 0 (got %d)", nSupport)
	}
	set := protonet.SupportSet{NSupport: nSupport}
	for _, label := range p.labels {
		examples := p.byLabel[label]
		if len(examples) < nSupport {
			continue
		}
		set.Examples = append(set.Examples, examples[:nSupport])
		set.Labels = append(set.Labels, label)
	}
	set.NWay = len(set.Labels)
	if set.NWay == 0 {
		return protonet.SupportSet{}, fmt.Errorf("pool: no class has %d examples", nSupport)
	}
	return set, nil
}
