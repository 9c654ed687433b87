package raster

import "errors"

var (
	// ErrConfiguration marks fatal input problems detected before any
	// destructive I/O: missing bands, bad split ratios, mismatched corpora.
	ErrConfiguration = errors.New("configuration error")

	// ErrSpatialAlignment marks rasters that cannot be placed on a common
	// grid: unopenable or zero-extent references, mismatched band grids.
	ErrSpatialAlignment = errors.New("spatial alignment error")
)
