package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// Model maps an N×C×H×W input to N×1×H×W logits.
type Model interface {
	Name() string
	Forward(x *Tensor, cast CastFunc) *Tensor
	// Backward propagates d(loss)/d(logits) from the last Forward and
	// accumulates into each Param.Grad.
	Backward(gradLogits *Tensor)
	Params() []*Param
}

// FLOPCounter is implemented by models that can report their compute cost.
type FLOPCounter interface {
	// MACs returns multiply-accumulates per sample for an h×w input.
	MACs(h, w int) int64
}

// Sequential chains layers; the last layer must emit one channel.
type Sequential struct {
	name   string
	layers []Layer
}

// NewSequential builds a named layer chain.
func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, layers: layers}
}

func (s *Sequential) Name() string { return s.name }

func (s *Sequential) Forward(x *Tensor, cast CastFunc) *Tensor {
	for _, l := range s.layers {
		x = l.Forward(x, cast)
	}
	return x
}

func (s *Sequential) Backward(grad *Tensor) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].Backward(grad)
	}
}

func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.layers {
		out = append(out, l.Params()...)
	}
	return out
}

func (s *Sequential) MACs(h, w int) int64 {
	var total int64
	for _, l := range s.layers {
		total += l.MACs(h, w)
	}
	return total
}

// ZeroGrad clears every parameter gradient of m.
func ZeroGrad(m Model) {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

var (
	ErrUnknownEncoder   = errors.New("unknown encoder")
	ErrUnknownAttention = errors.New("unknown decoder attention")
)

// EncoderSpec is a registered encoder preset: the channel widths of its
// 3×3 conv stages.
type EncoderSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Widths      []int  `json:"widths"`
}

// AttentionFactory builds a decoder attention block over ch channels.
type AttentionFactory func(name string, ch int, rng *rand.Rand) Layer

// Registry holds encoder presets and decoder attention variants.
type Registry struct {
	mu         sync.RWMutex
	encoders   map[string]EncoderSpec
	attentions map[string]AttentionFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		encoders:   make(map[string]EncoderSpec),
		attentions: make(map[string]AttentionFactory),
	}
}

// RegisterEncoder adds or replaces an encoder preset.
func (r *Registry) RegisterEncoder(spec EncoderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[spec.Name] = spec
}

// RegisterAttention adds or replaces an attention variant.
func (r *Registry) RegisterAttention(name string, f AttentionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attentions[strings.ToLower(name)] = f
}

// Encoders lists registered encoders sorted by name.
func (r *Registry) Encoders() []EncoderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EncoderSpec, 0, len(r.encoders))
	for _, s := range r.encoders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build instantiates encoder stages, the optional attention block and a 1×1
// head. An empty or "None" attention means no attention block.
func (r *Registry) Build(encoder, attention string, inChannels int, seed int64) (Model, error) {
	att := strings.ToLower(attention)
	r.mu.RLock()
	spec, ok := r.encoders[encoder]
	factory := r.attentions[att]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoder, encoder)
	}
	if att == "none" {
		att = ""
	}
	if att != "" && factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttention, attention)
	}
	if inChannels <= 0 {
		return nil, fmt.Errorf("in channels must be positive, got %d", inChannels)
	}

	rng := rand.New(rand.NewSource(seed))
	var layers []Layer
	ch := inChannels
	for i, w := range spec.Widths {
		layers = append(layers, NewConv2D(fmt.Sprintf("encoder.%d", i), ch, w, 3, rng), &ReLU{})
		ch = w
	}
	if factory != nil {
		layers = append(layers, factory("decoder.attention", ch, rng))
	}
	layers = append(layers, NewConv2D("segmentation_head", ch, 1, 1, rng))

	name := encoder
	if factory != nil {
		name += "_" + att
	}
	return NewSequential(name, layers...), nil
}

// DefaultRegistry returns a registry with the built-in encoder presets and
// the "scse" attention.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterEncoder(EncoderSpec{Name: "resnet18", Description: "two 16-wide stages", Widths: []int{16, 16}})
	r.RegisterEncoder(EncoderSpec{Name: "resnet34", Description: "three 16-wide stages", Widths: []int{16, 16, 16}})
	r.RegisterEncoder(EncoderSpec{Name: "efficientnet-b0", Description: "narrow-then-wide stages", Widths: []int{8, 16}})
	r.RegisterEncoder(EncoderSpec{Name: "mobilenet_v2", Description: "two 8-wide stages", Widths: []int{8, 8}})
	r.RegisterAttention("scse", func(name string, ch int, rng *rand.Rand) Layer {
		return NewSpatialGate(name, ch, rng)
	})
	return r
}

var defaultRegistry = DefaultRegistry()

// Build uses the default registry.
func Build(encoder, attention string, inChannels int, seed int64) (Model, error) {
	return defaultRegistry.Build(encoder, attention, inChannels, seed)
}
