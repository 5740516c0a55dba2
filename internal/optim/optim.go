package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/model"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
	LR() float64
	SetLR(lr float64)
}

func zeroGrad(params []*model.Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	params []*model.Param
	lr     float64
}

// NewSGD returns an SGD optimizer; lr <= 0 falls back to 0.01.
func NewSGD(params []*model.Param, lr float64) *SGD {
	if lr <= 0 {
		lr = 0.01
	}
	return &SGD{params: params, lr: lr}
}

func (o *SGD) ZeroGrad() { zeroGrad(o.params) }

func (o *SGD) Step() {
	for _, p := range o.params {
		p.Value.Apply(func(i, j int, v float64) float64 {
			return v - o.lr*p.Grad.At(i, j)
		}, p.Value)
	}
}

func (o *SGD) LR() float64 { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Adam implements Kingma & Ba with bias correction.
type Adam struct {
	params []*model.Param
	lr     float64
	Beta1  float64
	Beta2  float64
	Eps    float64

	t int
	m map[*model.Param]*mat.Dense
	v map[*model.Param]*mat.Dense
}

// NewAdam returns an Adam optimizer with the usual defaults.
func NewAdam(params []*model.Param, lr float64) *Adam {
	if lr <= 0 {
		lr = 1e-3
	}
	a := &Adam{
		params: params,
		lr:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		m:      make(map[*model.Param]*mat.Dense, len(params)),
		v:      make(map[*model.Param]*mat.Dense, len(params)),
	}
	for _, p := range params {
		r, c := p.Value.Dims()
		a.m[p] = mat.NewDense(r, c, nil)
		a.v[p] = mat.NewDense(r, c, nil)
	}
	return a
}

func (o *Adam) ZeroGrad() { zeroGrad(o.params) }

func (o *Adam) Step() {
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range o.params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := o.m[p].RawMatrix().Data
		v := o.v[p].RawMatrix().Data
		for i := range w {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g[i]
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g[i]*g[i]
			w[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Eps)
		}
	}
}

func (o *Adam) LR() float64 { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	opt      Optimizer
	StepSize int
	Gamma    float64
	base     float64
	epoch    int
}

// NewStepLR wraps opt. stepSize <= 0 defaults to 10 and gamma <= 0 to 0.9.
func NewStepLR(opt Optimizer, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 10
	}
	if gamma <= 0 {
		gamma = 0.9
	}
	return &StepLR{opt: opt, StepSize: stepSize, Gamma: gamma, base: opt.LR()}
}

// Step advances one epoch and updates the optimizer's learning rate.
func (s *StepLR) Step() {
	s.epoch++
	s.opt.SetLR(s.base * math.Pow(s.Gamma, float64(s.epoch/s.StepSize)))
}

// Epoch returns how many times Step has been called.
func (s *StepLR) Epoch() int { return s.epoch }
