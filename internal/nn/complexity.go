package nn

import (
	"errors"
	"fmt"
)

// ErrNoFLOPCounter is returned by Complexity for models that cannot report
// their compute cost.
var ErrNoFLOPCounter = errors.New("model does not report compute cost")

// Complexity counts parameters and per-sample multiply-accumulates for an
// h×w input.
func Complexity(m Model, h, w int) (params int, macs int64, err error) {
	for _, p := range m.Params() {
		params += len(p.Value)
	}
	fc, ok := m.(FLOPCounter)
	if !ok {
		return params, 0, fmt.Errorf("%s: %w", m.Name(), ErrNoFLOPCounter)
	}
	return params, fc.MACs(h, w), nil
}

// HumanCount formats n with a T/G/M/K suffix and three decimals.
func HumanCount(n float64) string {
	switch {
	case n > 1e12:
		return fmt.Sprintf("%.3fT", n/1e12)
	case n > 1e9:
		return fmt.Sprintf("%.3fG", n/1e9)
	case n > 1e6:
		return fmt.Sprintf("%.3fM", n/1e6)
	case n > 1e3:
		return fmt.Sprintf("%.3fK", n/1e3)
	default:
		return fmt.Sprintf("%.3fB", n)
	}
}
