package nn

import (
	"math"
	"math/rand"
)

// Param is a named learnable array with its gradient accumulator.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, n int) *Param {
	return &Param{Name: name, Value: make([]float64, n), Grad: make([]float64, n)}
}

// ZeroGrad clears the gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// Layer is one differentiable stage. Forward caches what Backward needs;
// Backward accumulates parameter gradients and returns the input gradient.
type Layer interface {
	Forward(x *Tensor, cast CastFunc) *Tensor
	Backward(grad *Tensor) *Tensor
	Params() []*Param
	// MACs returns multiply-accumulates per sample for an h×w input.
	MACs(h, w int) int64
}

// Conv2D is a stride-1 k×k convolution with zero "same" padding and bias.
type Conv2D struct {
	In, Out, K int
	Weight     *Param // [Out][In][K][K]
	Bias       *Param // [Out]

	input *Tensor
}

// NewConv2D initialises weights with He-normal scaling.
func NewConv2D(name string, in, out, k int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		In: in, Out: out, K: k,
		Weight: newParam(name+".weight", out*in*k*k),
		Bias:   newParam(name+".bias", out),
	}
	std := math.Sqrt(2 / float64(in*k*k))
	for i := range c.Weight.Value {
		c.Weight.Value[i] = rng.NormFloat64() * std
	}
	return c
}

func (c *Conv2D) widx(o, i, ky, kx int) int {
	return ((o*c.In+i)*c.K+ky)*c.K + kx
}

func (c *Conv2D) Forward(x *Tensor, cast CastFunc) *Tensor {
	c.input = x
	n, h, w := x.N(), x.H(), x.W()
	pad := c.K / 2
	out := NewTensor(n, c.Out, h, w)

	wf := make([]float32, len(c.Weight.Value))
	for i, v := range c.Weight.Value {
		wf[i] = cast.apply(float32(v))
	}

	for b := 0; b < n; b++ {
		for o := 0; o < c.Out; o++ {
			bias := cast.apply(float32(c.Bias.Value[o]))
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					sum := bias
					for i := 0; i < c.In; i++ {
						for ky := 0; ky < c.K; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.K; kx++ {
								ix := xx + kx - pad
								if ix < 0 || ix >= w {
									continue
								}
								sum += wf[c.widx(o, i, ky, kx)] * x.At(b, i, iy, ix)
							}
						}
					}
					out.Data[out.Index(b, o, y, xx)] = cast.apply(sum)
				}
			}
		}
	}
	return out
}

func (c *Conv2D) Backward(grad *Tensor) *Tensor {
	x := c.input
	n, h, w := x.N(), x.H(), x.W()
	pad := c.K / 2
	gin := NewTensor(n, c.In, h, w)

	for b := 0; b < n; b++ {
		for o := 0; o < c.Out; o++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					g := float64(grad.At(b, o, y, xx))
					if g == 0 {
						continue
					}
					c.Bias.Grad[o] += g
					for i := 0; i < c.In; i++ {
						for ky := 0; ky < c.K; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.K; kx++ {
								ix := xx + kx - pad
								if ix < 0 || ix >= w {
									continue
								}
								wi := c.widx(o, i, ky, kx)
								c.Weight.Grad[wi] += g * float64(x.At(b, i, iy, ix))
								gin.Data[gin.Index(b, i, iy, ix)] += float32(g * c.Weight.Value[wi])
							}
						}
					}
				}
			}
		}
	}
	return gin
}

func (c *Conv2D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

func (c *Conv2D) MACs(h, w int) int64 {
	return int64(c.Out) * int64(c.In) * int64(c.K*c.K) * int64(h*w)
}

// ReLU is max(0, x).
type ReLU struct {
	output *Tensor
}

func (r *ReLU) Forward(x *Tensor, _ CastFunc) *Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	r.output = out
	return out
}

func (r *ReLU) Backward(grad *Tensor) *Tensor {
	gin := grad.Clone()
	for i, v := range r.output.Data {
		if v <= 0 {
			gin.Data[i] = 0
		}
	}
	return gin
}

func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) MACs(int, int) int64 { return 0 }

// SpatialGate is the spatial squeeze-excitation block: a 1×1 convolution
// squeezes channels to one attention map, and the input is scaled by its
// sigmoid.
type SpatialGate struct {
	squeeze *Conv2D

	input *Tensor
	gate  []float64 // sigmoid map, N×H×W
}

// NewSpatialGate builds a gate over ch channels.
func NewSpatialGate(name string, ch int, rng *rand.Rand) *SpatialGate {
	return &SpatialGate{squeeze: NewConv2D(name+".squeeze", ch, 1, 1, rng)}
}

func (s *SpatialGate) Forward(x *Tensor, cast CastFunc) *Tensor {
	s.input = x
	z := s.squeeze.Forward(x, cast)
	s.gate = make([]float64, len(z.Data))
	for i, v := range z.Data {
		s.gate[i] = Sigmoid(float64(v))
	}

	out := NewTensor(x.N(), x.C(), x.H(), x.W())
	hw := x.H() * x.W()
	for b := 0; b < x.N(); b++ {
		for c := 0; c < x.C(); c++ {
			for p := 0; p < hw; p++ {
				i := (b*x.C()+c)*hw + p
				out.Data[i] = cast.apply(x.Data[i] * float32(s.gate[b*hw+p]))
			}
		}
	}
	return out
}

func (s *SpatialGate) Backward(grad *Tensor) *Tensor {
	x := s.input
	hw := x.H() * x.W()
	gin := NewTensor(x.N(), x.C(), x.H(), x.W())
	dz := NewTensor(x.N(), 1, x.H(), x.W())
	for b := 0; b < x.N(); b++ {
		for p := 0; p < hw; p++ {
			g := s.gate[b*hw+p]
			var ds float64
			for c := 0; c < x.C(); c++ {
				i := (b*x.C()+c)*hw + p
				ds += float64(grad.Data[i]) * float64(x.Data[i])
				gin.Data[i] = grad.Data[i] * float32(g)
			}
			dz.Data[b*hw+p] = float32(ds * g * (1 - g))
		}
	}
	gsq := s.squeeze.Backward(dz)
	for i, v := range gsq.Data {
		gin.Data[i] += v
	}
	return gin
}

func (s *SpatialGate) Params() []*Param { return s.squeeze.Params() }

func (s *SpatialGate) MACs(h, w int) int64 {
	return s.squeeze.MACs(h, w) + int64(s.squeeze.In*h*w)
}
