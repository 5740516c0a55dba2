package dataset

import (
	"fmt"
	"math/rand"

	"csi-fewshot/internal/model"
	"csi-fewshot/internal/protonet"
)

// EpisodeSampler draws random n-way episodes from a pool.
type EpisodeSampler struct {
	pool     *Pool
	nWay     int
	nSupport int
	nQuery   int
	eligible []int
	rng      *rand.Rand
}

// NewEpisodeSampler fails when fewer than nWay classes hold
// nSupport+nQuery examples.
func NewEpisodeSampler(pool *Pool, nWay, nSupport, nQuery int, seed int64) (*EpisodeSampler, error) {
	if nWay <= 0 || nSupport <= 0 || nQuery <= 0 {
		return nil, fmt.Errorf("%w: n_way=%d n_support=%d n_query=%d", protonet.ErrInvalidEpisode, nWay, nSupport, nQuery)
	}
	var eligible []int
	for _, label := range pool.labels {
		if len(pool.byLabel[label]) >= nSupport+nQuery {
			eligible = append(eligible, label)
		}
	}
	if len(eligible) < nWay {
		return nil, fmt.Errorf("%w: %d classes hold %d examples, need %d classes",
			protonet.ErrInsufficientExamples, len(eligible), nSupport+nQuery, nWay)
	}
	return &EpisodeSampler{
		pool:     pool,
		nWay:     nWay,
		nSupport: nSupport,
		nQuery:   nQuery,
		eligible: eligible,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Next draws nWay distinct classes and nSupport+nQuery distinct examples of
// each. Labels carry the dataset label of every class slot.
func (s *EpisodeSampler) Next() protonet.Episode {
	ep := protonet.Episode{
		NWay:     s.nWay,
		NSupport: s.nSupport,
		NQuery:   s.nQuery,
		Examples: make([][][]float64, s.nWay),
		Labels:   make([]int, s.nWay),
	}
	classes := s.rng.Perm(len(s.eligible))[:s.nWay]
	for slot, ci := range classes {
		label := s.eligible[ci]
		examples := s.pool.byLabel[label]
		picked := s.rng.Perm(len(examples))[:s.nSupport+s.nQuery]
		rows := make([][]float64, len(picked))
		for i, idx := range picked {
			rows[i] = examples[idx]
		}
		ep.Examples[slot] = rows
		ep.Labels[slot] = label
	}
	return ep
}

// SliceLoader batches an in-memory sample list.
type SliceLoader struct {
	samples   []Sample
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewSliceLoader reshuffles on every Iterate when shuffle is set.
func NewSliceLoader(samples []Sample, batchSize int, shuffle bool, seed int64) *SliceLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &SliceLoader{
		samples:   samples,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Len is the number of samples.
func (l *SliceLoader) Len() int { return len(l.samples) }

// Iterate starts a fresh pass.
func (l *SliceLoader) Iterate() model.BatchIterator {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &sliceIterator{loader: l, order: order}
}

type sliceIterator struct {
	loader *SliceLoader
	order  []int
	pos    int
}

func (it *sliceIterator) Next() (model.Batch, bool) {
	if it.pos >= len(it.order) {
		return model.Batch{}, false
	}
	end := it.pos + it.loader.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	batch := model.Batch{
		Inputs: make([][]float64, 0, end-it.pos),
		Labels: make([]int, 0, end-it.pos),
	}
	for _, idx := range it.order[it.pos:end] {
		s := it.loader.samples[idx]
		batch.Inputs = append(batch.Inputs, s.Features)
		batch.Labels = append(batch.Labels, s.Label)
	}
	it.pos = end
	return batch, true
}
