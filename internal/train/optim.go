package train

import (
	"math"

	"github.com/x448/float16"

	"github.com/banshee-data/canopy/internal/nn"
)

// Half rounds an activation to IEEE 754 binary16, overflowing to ±Inf like
// half-precision compute does.
func Half(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	Step(params []*nn.Param)
	LR() float64
	SetLR(lr float64)
}

// Adam with L2 weight decay folded into the gradient.
type Adam struct {
	lr          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	t    int
	m, v map[*nn.Param][]float64
}

// NewAdam returns Adam with betas (0.9, 0.999) and eps 1e-8.
func NewAdam(lr, weightDecay float64) *Adam {
	return &Adam{
		lr: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: weightDecay,
		m: make(map[*nn.Param][]float64),
		v: make(map[*nn.Param][]float64),
	}
}

func (a *Adam) LR() float64      { return a.lr }
func (a *Adam) SetLR(lr float64) { a.lr = lr }

func (a *Adam) Step(params []*nn.Param) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p] = m
			a.v[p] = make([]float64, len(p.Value))
		}
		v := a.v[p]
		for i, g := range p.Grad {
			g += a.WeightDecay * p.Value[i]
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Value[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm and
// returns the norm before clipping.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return norm
}

// GradScaler multiplies the loss gradient by a dynamic factor before the
// backward pass and divides it out before the optimizer sees it. Steps whose
// unscaled gradients are not finite are skipped and the scale backs off;
// after Interval clean steps it grows.
type GradScaler struct {
	Enabled  bool
	Scale    float64
	Growth   float64
	Backoff  float64
	Interval int

	clean int
}

// NewGradScaler returns a scaler starting at 2^16. A disabled scaler passes
// gradients through unchanged.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{Enabled: enabled, Scale: 65536, Growth: 2, Backoff: 0.5, Interval: 2000}
}

// ScaleLoss scales the loss gradient in place.
func (s *GradScaler) ScaleLoss(grad *nn.Tensor) {
	if !s.Enabled {
		return
	}
	f := float32(s.Scale)
	for i := range grad.Data {
		grad.Data[i] *= f
	}
}

// Unscale divides parameter gradients by the scale and reports whether all
// of them are finite.
func (s *GradScaler) Unscale(params []*nn.Param) bool {
	inv := 1.0
	if s.Enabled {
		inv = 1 / s.Scale
	}
	finite := true
	for _, p := range params {
		for i, g := range p.Grad {
			g *= inv
			p.Grad[i] = g
			if math.IsNaN(g) || math.IsInf(g, 0) {
				finite = false
			}
		}
	}
	return finite
}

// Step runs the optimizer unless the gradients were not finite.
func (s *GradScaler) Step(opt Optimizer, params []*nn.Param, finite bool) {
	if finite {
		opt.Step(params)
	}
}

// Update adjusts the scale after a step.
func (s *GradScaler) Update(finite bool) {
	if !s.Enabled {
		return
	}
	if !finite {
		s.Scale *= s.Backoff
		s.clean = 0
		return
	}
	s.clean++
	if s.clean == s.Interval {
		s.Scale *= s.Growth
		s.clean = 0
	}
}

// ReduceLROnPlateau multiplies the learning rate by Factor once the
// monitored value has failed to improve (relative Threshold, lower is better)
// for more than Patience consecutive steps.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	best float64
	bad  int
}

// NewReduceLROnPlateau returns a scheduler in min mode with threshold 1e-4.
func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, Threshold: 1e-4, best: math.Inf(1)}
}

// Step records value and reports whether the learning rate was reduced.
func (s *ReduceLROnPlateau) Step(value float64, opt Optimizer) bool {
	if value < s.best*(1-s.Threshold) {
		s.best = value
		s.bad = 0
	} else {
		s.bad++
	}
	if s.bad <= s.Patience {
		return false
	}
	s.bad = 0
	lr := opt.LR()
	next := math.Max(lr*s.Factor, s.MinLR)
	if lr-next <= 1e-8 {
		return false
	}
	opt.SetLR(next)
	return true
}
