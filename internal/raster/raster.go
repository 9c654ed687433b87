package raster

import (
	"fmt"
	"math"
)

// DataType is the on-disk sample type of a raster. In memory every sample is
// a float64; DataType governs clamping and what drivers write.
type DataType int

const (
	Float64 DataType = iota
	Float32
	Byte
	UInt16
	Int16
	Int32
)

func (d DataType) String() string {
	switch d {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	default:
		return "Float64"
	}
}

// IsInteger reports whether samples are stored as integers.
func (d DataType) IsInteger() bool {
	switch d {
	case Byte, UInt16, Int16, Int32:
		return true
	}
	return false
}

// Clamp rounds and saturates v into the representable range. NaN becomes 0
// for integer types.
func (d DataType) Clamp(v float64) float64 {
	if !d.IsInteger() {
		if d == Float32 {
			return float64(float32(v))
		}
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := 0.0, 0.0
	switch d {
	case Byte:
		lo, hi = 0, math.MaxUint8
	case UInt16:
		lo, hi = 0, math.MaxUint16
	case Int16:
		lo, hi = math.MinInt16, math.MaxInt16
	case Int32:
		lo, hi = math.MinInt32, math.MaxInt32
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

// Grid is the spatial footprint shared by every band of a raster: transform
// plus size fully determine it.
type Grid struct {
	CRS       string
	Transform GeoTransform
	Width     int
	Height    int
}

// gridTolerance absorbs float noise accumulated by window offsets.
const gridTolerance = 1e-9

// Equal reports whether two grids place every pixel at the same location.
func (g Grid) Equal(o Grid) bool {
	return g.CRS == o.CRS && g.Width == o.Width && g.Height == o.Height &&
		g.Transform.AlmostEqual(o.Transform, gridTolerance)
}

// Empty reports a zero-area grid.
func (g Grid) Empty() bool {
	return g.Width <= 0 || g.Height <= 0
}

// Bounds returns the world-space extent of the grid.
func (g Grid) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {float64(g.Width), 0}, {0, float64(g.Height)}, {float64(g.Width), float64(g.Height)}} {
		x, y := g.Transform.Apply(c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%d %s %v", g.Width, g.Height, g.CRS, g.Transform)
}

// Band is one named row-major plane of samples.
type Band struct {
	Name string
	Data []float64
}

// Raster is a multi-band grid of samples. All bands share Grid.
type Raster struct {
	Grid
	DataType DataType
	NoData   *float64
	Bands    []Band
	Tags     map[string]string
}

// New allocates a raster with count zeroed bands.
func New(g Grid, dt DataType, count int) *Raster {
	r := &Raster{Grid: g, DataType: dt, Tags: map[string]string{}}
	r.Bands = make([]Band, count)
	for i := range r.Bands {
		r.Bands[i].Data = make([]float64, g.Width*g.Height)
	}
	return r
}

// At returns band b at (col,row).
func (r *Raster) At(b, col, row int) float64 {
	return r.Bands[b].Data[row*r.Width+col]
}

// Set stores v, clamped to the raster's data type, in band b at (col,row).
func (r *Raster) Set(b, col, row int, v float64) {
	r.Bands[b].Data[row*r.Width+col] = r.DataType.Clamp(v)
}

// IsNoData reports whether v is missing: NaN or equal to the nodata value.
func (r *Raster) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return r.NoData != nil && v == *r.NoData
}

// Validate checks that every band covers the whole grid.
func (r *Raster) Validate() error {
	if r.Grid.Empty() {
		return fmt.Errorf("raster has zero extent (%dx%d)", r.Width, r.Height)
	}
	for i, b := range r.Bands {
		if len(b.Data) != r.Width*r.Height {
			return fmt.Errorf("band %d has %d samples, want %d", i, len(b.Data), r.Width*r.Height)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	out := &Raster{Grid: r.Grid, DataType: r.DataType, Tags: make(map[string]string, len(r.Tags))}
	if r.NoData != nil {
		nd := *r.NoData
		out.NoData = &nd
	}
	out.Bands = make([]Band, len(r.Bands))
	for i, b := range r.Bands {
		out.Bands[i] = Band{Name: b.Name, Data: append([]float64(nil), b.Data...)}
	}
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	return out
}

// Window reads the w×h region whose top-left pixel is (col,row), clipped to
// the raster like a windowed read: near the edges the result is smaller than
// requested. The window carries its own offset transform. Tags are not
// inherited.
func (r *Raster) Window(col, row, w, h int) *Raster {
	x0, y0 := max(col, 0), max(row, 0)
	x1, y1 := min(col+w, r.Width), min(row+h, r.Height)
	ww, wh := max(x1-x0, 0), max(y1-y0, 0)

	g := Grid{CRS: r.CRS, Transform: r.Transform.Offset(x0, y0), Width: ww, Height: wh}
	out := &Raster{Grid: g, DataType: r.DataType, NoData: r.NoData, Tags: map[string]string{}}
	out.Bands = make([]Band, len(r.Bands))
	for i, b := range r.Bands {
		data := make([]float64, ww*wh)
		for y := 0; y < wh; y++ {
			src := (y0+y)*r.Width + x0
			copy(data[y*ww:(y+1)*ww], b.Data[src:src+ww])
		}
		out.Bands[i] = Band{Name: b.Name, Data: data}
	}
	return out
}
