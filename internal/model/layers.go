package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
)

// Layer is one differentiable stage of a Sequential network. When record is
// false the returned Backward is nil.
type Layer interface {
	Forward(dev *device.Device, x *mat.Dense, record bool) (*mat.Dense, Backward, error)
	Params() []*Param
}

// Linear computes x*W + b.
type Linear struct {
	W *Param
	B *Param
}

// NewLinear builds a fully connected layer with He-normal weights.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	std := math.Sqrt(2 / float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
	return &Linear{
		W: newParam(name+".weight", in, out, w),
		B: newParam(name+".bias", 1, out, nil),
	}
}

// Dims returns the input and output widths.
func (l *Linear) Dims() (in, out int) {
	return l.W.Value.Dims()
}

func (l *Linear) Forward(dev *device.Device, x *mat.Dense, record bool) (*mat.Dense, Backward, error) {
	in, _ := l.Dims()
	rows, cols := x.Dims()
	if cols != in {
		return nil, nil, fmt.Errorf("model: %s expects %d features, got %d", l.W.Name, in, cols)
	}
	out := &mat.Dense{}
	out.Mul(x, l.W.Value)
	bias := l.B.Value.RawRowView(0)
	dev.ForEach(rows, func(i int) {
		floats.Add(out.RawRowView(i), bias)
	})
	if !record {
		return out, nil, nil
	}
	back := func(grad *mat.Dense) *mat.Dense {
		var gw mat.Dense
		gw.Mul(x.T(), grad)
		l.W.Grad.Add(l.W.Grad, &gw)
		gb := l.B.Grad.RawRowView(0)
		gr, _ := grad.Dims()
		for i := 0; i < gr; i++ {
			floats.Add(gb, grad.RawRowView(i))
		}
		gx := &mat.Dense{}
		gx.Mul(grad, l.W.Value.T())
		return gx
	}
	return out, back, nil
}

func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }

// ReLU clamps negative activations to zero.
type ReLU struct{}

func (ReLU) Forward(dev *device.Device, x *mat.Dense, record bool) (*mat.Dense, Backward, error) {
	rows, _ := x.Dims()
	out := mat.DenseCopyOf(x)
	dev.ForEach(rows, func(i int) {
		row := out.RawRowView(i)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	})
	if !record {
		return out, nil, nil
	}
	back := func(grad *mat.Dense) *mat.Dense {
		gx := mat.DenseCopyOf(grad)
		gr, _ := gx.Dims()
		dev.ForEach(gr, func(i int) {
			mask := out.RawRowView(i)
			row := gx.RawRowView(i)
			for j := range row {
				if mask[j] <= 0 {
					row[j] = 0
				}
			}
		})
		return gx
	}
	return out, back, nil
}

func (ReLU) Params() []*Param { return nil }
