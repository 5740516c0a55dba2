package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
)

// Sequential chains layers. It satisfies both Encoder and Differentiable.
type Sequential struct {
	Layers []Layer
}

// NewDenseEncoder builds Linear/ReLU blocks ending in a Linear projection to
// embedDim. It is the default CSI encoder.
func NewDenseEncoder(inputDim int, hidden []int, embedDim int, seed int64) (*Sequential, error) {
	return newMLP("encoder", inputDim, hidden, embedDim, seed)
}

// NewClassifier builds the same stack ending in numClasses logits.
func NewClassifier(inputDim int, hidden []int, numClasses int, seed int64) (*Sequential, error) {
	return newMLP("classifier", inputDim, hidden, numClasses, seed)
}

func newMLP(prefix string, inputDim int, hidden []int, outDim int, seed int64) (*Sequential, error) {
	if inputDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("model: input and output dims must be > 0 (got %d, %d)", inputDim, outDim)
	}
	rng := rand.New(rand.NewSource(seed))
	var layers []Layer
	in := inputDim
	for i, h := range hidden {
		if h <= 0 {
			return nil, fmt.Errorf("model: hidden layer %d has width %d", i, h)
		}
		layers = append(layers, NewLinear(fmt.Sprintf("%s.%d", prefix, i), in, h, rng), ReLU{})
		in = h
	}
	layers = append(layers, NewLinear(fmt.Sprintf("%s.out", prefix), in, outDim, rng))
	return &Sequential{Layers: layers}, nil
}

// Embed runs the network without recording a backward pass.
func (s *Sequential) Embed(dev *device.Device, x *mat.Dense) (*mat.Dense, error) {
	out, _, err := s.run(dev, x, false)
	return out, err
}

// Forward runs the network and returns a Backward that walks the layers in
// reverse order.
func (s *Sequential) Forward(dev *device.Device, x *mat.Dense) (*mat.Dense, Backward, error) {
	return s.run(dev, x, true)
}

func (s *Sequential) run(dev *device.Device, x *mat.Dense, record bool) (*mat.Dense, Backward, error) {
	if len(s.Layers) == 0 {
		return nil, nil, fmt.Errorf("model: sequential has no layers")
	}
	backs := make([]Backward, 0, len(s.Layers))
	out := x
	for i, layer := range s.Layers {
		next, back, err := layer.Forward(dev, out, record)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out = next
		if record {
			backs = append(backs, back)
		}
	}
	if !record {
		return out, nil, nil
	}
	return out, func(grad *mat.Dense) *mat.Dense {
		for i := len(backs) - 1; i >= 0; i-- {
			grad = backs[i](grad)
		}
		return grad
	}, nil
}

// Params lists every trainable parameter in layer order.
func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, layer := range s.Layers {
		out = append(out, layer.Params()...)
	}
	return out
}

// OutputDim is the width of the last Linear layer.
func (s *Sequential) OutputDim() int {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if l, ok := s.Layers[i].(*Linear); ok {
			_, out := l.Dims()
			return out
		}
	}
	return 0
}
