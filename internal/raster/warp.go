package raster

import (
	"fmt"
	"math"
)

// Resampling selects how destination pixels sample the source.
type Resampling int

const (
	// Nearest copies the source pixel containing the sample point. Use it for
	// categorical data: it never invents values.
	Nearest Resampling = iota
	// Bilinear blends the four surrounding pixel centres.
	Bilinear
)

func (r Resampling) String() string {
	if r == Bilinear {
		return "bilinear"
	}
	return "nearest"
}

// edgeSamples is the number of points sampled along each edge of the source
// extent when estimating the destination bounds.
const edgeSamples = 21

// DefaultGrid computes the north-up grid covering src once warped into dstCRS
// at the given resolution.
func DefaultGrid(src Grid, dstCRS string, res float64, proj Projector) (Grid, error) {
	if src.Empty() {
		return Grid{}, fmt.Errorf("source grid %dx%d: %w", src.Width, src.Height, ErrSpatialAlignment)
	}
	if res <= 0 {
		return Grid{}, fmt.Errorf("resolution must be positive, got %g: %w", res, ErrConfiguration)
	}
	tr, err := proj.Transformer(src.CRS, dstCRS)
	if err != nil {
		return Grid{}, fmt.Errorf("build transform %s -> %s: %w", src.CRS, dstCRS, err)
	}

	w, h := float64(src.Width), float64(src.Height)
	xs := make([]float64, 0, 4*edgeSamples)
	ys := make([]float64, 0, 4*edgeSamples)
	for i := 0; i < edgeSamples; i++ {
		f := float64(i) / float64(edgeSamples-1)
		for _, p := range [][2]float64{{f * w, 0}, {f * w, h}, {0, f * h}, {w, f * h}} {
			x, y := src.Transform.Apply(p[0], p[1])
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if err := tr(xs, ys); err != nil {
		return Grid{}, fmt.Errorf("transform edge samples: %w", err)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) || math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			continue
		}
		minX, maxX = math.Min(minX, xs[i]), math.Max(maxX, xs[i])
		minY, maxY = math.Min(minY, ys[i]), math.Max(maxY, ys[i])
	}
	if minX > maxX || minY > maxY {
		return Grid{}, fmt.Errorf("no edge sample of %s maps into %s: %w", src.CRS, dstCRS, ErrSpatialAlignment)
	}

	return Grid{
		CRS:       dstCRS,
		Transform: NorthUp(minX, maxY, res),
		Width:     pixelSpan(maxX-minX, res),
		Height:    pixelSpan(maxY-minY, res),
	}, nil
}

// pixelSpan is ceil(extent/res), ignoring float noise just above an integer.
func pixelSpan(extent, res float64) int {
	return max(1, int(math.Ceil(extent/res-1e-6)))
}

// Reproject resamples one band of src onto dst. Destination pixels whose
// centre falls outside the source get NaN with Bilinear and the source nodata
// value (or 0) with Nearest.
func Reproject(src *Raster, band int, dst Grid, method Resampling, proj Projector) ([]float64, error) {
	if band < 0 || band >= len(src.Bands) {
		return nil, fmt.Errorf("band %d out of range (raster has %d)", band, len(src.Bands))
	}
	inv, err := src.Transform.Invert()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpatialAlignment, err)
	}
	tr, err := proj.Transformer(dst.CRS, src.CRS)
	if err != nil {
		return nil, fmt.Errorf("build transform %s -> %s: %w", dst.CRS, src.CRS, err)
	}

	fill := math.NaN()
	if method == Nearest {
		fill = 0
		if src.NoData != nil {
			fill = *src.NoData
		}
	}

	data := src.Bands[band].Data
	out := make([]float64, dst.Width*dst.Height)
	xs := make([]float64, dst.Width)
	ys := make([]float64, dst.Width)
	for row := 0; row < dst.Height; row++ {
		for col := 0; col < dst.Width; col++ {
			xs[col], ys[col] = dst.Transform.Apply(float64(col)+0.5, float64(row)+0.5)
		}
		if err := tr(xs, ys); err != nil {
			return nil, fmt.Errorf("transform row %d: %w", row, err)
		}
		for col := 0; col < dst.Width; col++ {
			px, py := inv.Apply(xs[col], ys[col])
			v := fill
			if px >= 0 && py >= 0 && px < float64(src.Width) && py < float64(src.Height) {
				if method == Bilinear {
					v = src.bilinear(data, px, py)
				} else {
					v = data[int(py)*src.Width+int(px)]
				}
			}
			out[row*dst.Width+col] = v
		}
	}
	return out, nil
}

// bilinear samples at fractional pixel coordinates (px,py), where pixel
// centres sit at +0.5. Neighbours outside the raster or holding nodata are
// dropped and the remaining weights renormalised.
func (r *Raster) bilinear(data []float64, px, py float64) float64 {
	fx, fy := px-0.5, py-0.5
	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	dx, dy := fx-float64(x0), fy-float64(y0)

	var sum, wsum float64
	for _, n := range [4]struct {
		x, y int
		w    float64
	}{
		{x0, y0, (1 - dx) * (1 - dy)},
		{x0 + 1, y0, dx * (1 - dy)},
		{x0, y0 + 1, (1 - dx) * dy},
		{x0 + 1, y0 + 1, dx * dy},
	} {
		if n.w == 0 || n.x < 0 || n.y < 0 || n.x >= r.Width || n.y >= r.Height {
			continue
		}
		v := data[n.y*r.Width+n.x]
		if r.IsNoData(v) {
			continue
		}
		sum += v * n.w
		wsum += n.w
	}
	if wsum == 0 {
		return math.NaN()
	}
	return sum / wsum
}
