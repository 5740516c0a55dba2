package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
)

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Matrix packs the batch inputs into a rows x features matrix.
func (b Batch) Matrix() (*mat.Dense, error) {
	return Stack(b.Inputs)
}

// BatchIterator yields batches until exhausted.
type BatchIterator interface {
	Next() (Batch, bool)
}

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, r, c int, data []float64) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(r, c, data),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// Backward receives dLoss/dOutput, accumulates parameter gradients and
// returns dLoss/dInput.
type Backward func(grad *mat.Dense) *mat.Dense

// Encoder maps a batch of inputs (one per row) to fixed-length embeddings.
type Encoder interface {
	Embed(dev *device.Device, x *mat.Dense) (*mat.Dense, error)
}

// Differentiable is an Encoder that can also record a backward pass.
type Differentiable interface {
	Encoder
	Forward(dev *device.Device, x *mat.Dense) (*mat.Dense, Backward, error)
	Params() []*Param
}

// Stack copies equally sized rows into a new matrix.
func Stack(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("model: empty batch")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("model: zero-width input")
	}
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("model: row %d has %d features, want %d", i, len(r), width)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), width, data), nil
}
