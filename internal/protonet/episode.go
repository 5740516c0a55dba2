package protonet

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidEpisode reports non-positive sizes, a class count that does
	// not match n_way, or ragged feature vectors.
	ErrInvalidEpisode = errors.New("protonet: invalid episode")

	// ErrInsufficientExamples reports a class with fewer examples than the
	// support and query sets need.
	ErrInsufficientExamples = errors.New("protonet: not enough examples per class")
)

// Episode is one few-shot task. Examples is indexed [class][example] and each
// example is a flattened feature vector. The first NSupport examples of a
// class form its support set and the next NQuery its query set.
type Episode struct {
	Examples [][][]float64
	NWay     int
	NSupport int
	NQuery   int

	// Labels maps class slot to dataset label. Nil means 0..NWay-1.
	Labels []int
}

// SupportSet holds the labeled examples used to build a prototype table.
type SupportSet struct {
	Examples [][][]float64
	NWay     int
	NSupport int
	Labels   []int
}

// Prototypes is one mean embedding per class, row i belonging to Labels[i].
type Prototypes struct {
	Matrix *mat.Dense
	Labels []int
}

// NWay returns the number of classes in the table.
func (p *Prototypes) NWay() int {
	r, _ := p.Matrix.Dims()
	return r
}

// Dim returns the embedding width.
func (p *Prototypes) Dim() int {
	_, c := p.Matrix.Dims()
	return c
}

func resolveLabels(labels []int, nWay int) ([]int, error) {
	if labels == nil {
		out := make([]int, nWay)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	if len(labels) != nWay {
		return nil, fmt.Errorf("%w: %d labels for n_way=%d", ErrInvalidEpisode, len(labels), nWay)
	}
	return append([]int(nil), labels...), nil
}

// validate checks the [class][example][feature] layout and returns the
// feature width.
func validate(examples [][][]float64, nWay, need int) (int, error) {
	if nWay <= 0 {
		return 0, fmt.Errorf("%w: n_way must be > 0 (got %d)", ErrInvalidEpisode, nWay)
	}
	if len(examples) != nWay {
		return 0, fmt.Errorf("%w: %d classes for n_way=%d", ErrInvalidEpisode, len(examples), nWay)
	}
	width := -1
	for c, class := range examples {
		if len(class) < need {
			return 0, fmt.Errorf("%w: class %d has %d examples, need %d", ErrInsufficientExamples, c, len(class), need)
		}
		for e := 0; e < need; e++ {
			if width < 0 {
				width = len(class[e])
			}
			if len(class[e]) != width || width == 0 {
				return 0, fmt.Errorf("%w: class %d example %d has %d features, want %d", ErrInvalidEpisode, c, e, len(class[e]), width)
			}
		}
	}
	return width, nil
}

// gather flattens examples [from, from+count) of every class into a
// class-major matrix and returns the class slot of each row.
func gather(examples [][][]float64, from, count, width int) (*mat.Dense, []int) {
	nWay := len(examples)
	data := make([]float64, 0, nWay*count*width)
	targets := make([]int, 0, nWay*count)
	for c, class := range examples {
		for e := from; e < from+count; e++ {
			data = append(data, class[e]...)
			targets = append(targets, c)
		}
	}
	return mat.NewDense(nWay*count, width, data), targets
}

// classMeans averages consecutive groups of perClass rows of z.
func classMeans(z *mat.Dense, nWay, perClass int) *mat.Dense {
	_, dim := z.Dims()
	out := mat.NewDense(nWay, dim, nil)
	inv := 1 / float64(perClass)
	for c := 0; c < nWay; c++ {
		row := out.RawRowView(c)
		for s := 0; s < perClass; s++ {
			floats.Add(row, z.RawRowView(c*perClass+s))
		}
		floats.Scale(inv, row)
	}
	return out
}
