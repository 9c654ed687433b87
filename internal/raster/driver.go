package raster

import (
	"fmt"
	"io/fs"
	"sort"
	"sync"
)

// Driver reads and writes whole rasters.
type Driver interface {
	Open(path string) (*Raster, error)
	Create(path string, r *Raster) error
}

// PointTransform converts coordinates in place.
type PointTransform func(xs, ys []float64) error

// Projector builds coordinate transforms between CRS definitions.
type Projector interface {
	Transformer(srcCRS, dstCRS string) (PointTransform, error)
}

// MemDriver keeps rasters in memory keyed by path. Open and Create both copy,
// so callers never share band storage with the driver.
type MemDriver struct {
	mu    sync.RWMutex
	files map[string]*Raster
}

// NewMemDriver returns an empty MemDriver.
func NewMemDriver() *MemDriver {
	return &MemDriver{files: make(map[string]*Raster)}
}

func (d *MemDriver) Open(path string) (*Raster, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return r.Clone(), nil
}

func (d *MemDriver) Create(path string, r *Raster) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = r.Clone()
	return nil
}

// Paths lists stored paths in sorted order.
func (d *MemDriver) Paths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.files))
	for p := range d.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IdentityProjector only handles transforms within one CRS.
type IdentityProjector struct{}

func (IdentityProjector) Transformer(src, dst string) (PointTransform, error) {
	if src != dst {
		return nil, fmt.Errorf("identity projector cannot transform %q to %q", src, dst)
	}
	return func(xs, ys []float64) error { return nil }, nil
}

// AffineProjector applies a fixed affine map per CRS pair. Missing reverse
// pairs are derived by inversion.
type AffineProjector struct {
	// Maps keys are "src->dst"; the transform maps (x,y) as GeoTransform.Apply.
	Maps map[string]GeoTransform
}

func (p AffineProjector) Transformer(src, dst string) (PointTransform, error) {
	if src == dst {
		return IdentityProjector{}.Transformer(src, dst)
	}
	gt, ok := p.Maps[src+"->"+dst]
	if !ok {
		fwd, ok := p.Maps[dst+"->"+src]
		if !ok {
			return nil, fmt.Errorf("no transform from %q to %q", src, dst)
		}
		inv, err := fwd.Invert()
		if err != nil {
			return nil, err
		}
		gt = inv
	}
	return func(xs, ys []float64) error {
		for i := range xs {
			xs[i], ys[i] = gt.Apply(xs[i], ys[i])
		}
		return nil
	}, nil
}
