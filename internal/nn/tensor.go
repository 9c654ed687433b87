// Package nn is a small convolutional segmentation toolkit: NCHW tensors,
// parameters with gradient buffers, layers with hand-written backward passes,
// a registry of encoder presets, state dicts and checkpoints.
//
// Parameters are float64; activations are float32 and may be routed through
// a CastFunc so the trainer can emulate reduced-precision compute.
package nn

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor in NCHW order.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor allocates a zeroed n×c×h×w tensor.
func NewTensor(n, c, h, w int) *Tensor {
	return &Tensor{Shape: [4]int{n, c, h, w}, Data: make([]float32, n*c*h*w)}
}

// N, C, H and W return the dimensions.
func (t *Tensor) N() int { return t.Shape[0] }
func (t *Tensor) C() int { return t.Shape[1] }
func (t *Tensor) H() int { return t.Shape[2] }
func (t *Tensor) W() int { return t.Shape[3] }

// Index returns the flat offset of (n,c,y,x).
func (t *Tensor) Index(n, c, y, x int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+y)*t.Shape[3] + x
}

// At returns the element at (n,c,y,x).
func (t *Tensor) At(n, c, y, x int) float32 { return t.Data[t.Index(n, c, y, x)] }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: t.Shape, Data: append([]float32(nil), t.Data...)}
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool { return t.Shape == o.Shape }

// Item returns sample i as a 1×C×H×W tensor (copied).
func (t *Tensor) Item(i int) *Tensor {
	size := t.Shape[1] * t.Shape[2] * t.Shape[3]
	out := NewTensor(1, t.Shape[1], t.Shape[2], t.Shape[3])
	copy(out.Data, t.Data[i*size:(i+1)*size])
	return out
}

// Stack concatenates 1×C×H×W tensors along N.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("stack of zero tensors")
	}
	first := items[0]
	out := NewTensor(len(items), first.C(), first.H(), first.W())
	size := first.C() * first.H() * first.W()
	for i, it := range items {
		if it.N() != 1 || it.C() != first.C() || it.H() != first.H() || it.W() != first.W() {
			return nil, fmt.Errorf("stack: item %d has shape %v, want [1 %d %d %d]", i, it.Shape, first.C(), first.H(), first.W())
		}
		copy(out.Data[i*size:], it.Data)
	}
	return out, nil
}

// CastFunc rounds an activation to the compute precision. A nil CastFunc
// keeps full float32 precision.
type CastFunc func(float32) float32

func (c CastFunc) apply(v float32) float32 {
	if c == nil {
		return v
	}
	return c(v)
}

// Sigmoid is the logistic function, stable for large |x|.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
