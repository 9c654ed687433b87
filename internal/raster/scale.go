package raster

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ForegroundValue is the mask value of the foreground class.
const ForegroundValue = 255

// MinMaxScale stretches data linearly onto 0..255 using its own NaN-ignoring
// min and max. NaN maps to 0. When every finite sample is equal, or there is
// none, the result is all zeros and ok is false.
func MinMaxScale(data []float64) (out []float64, ok bool) {
	out = make([]float64, len(data))
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return out, false
	}
	lo, hi := floats.Min(finite), floats.Max(finite)
	if lo == hi {
		return out, false
	}

	span := hi - lo
	for i, v := range data {
		if math.IsNaN(v) {
			continue
		}
		out[i] = math.Max(0, math.Min(255, math.Round((v-lo)/span*255)))
	}
	return out, true
}

// Binarize maps fg to ForegroundValue and everything else, NaN included, to 0.
func Binarize(data []float64, fg float64) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		if v == fg {
			out[i] = ForegroundValue
		}
	}
	return out
}
