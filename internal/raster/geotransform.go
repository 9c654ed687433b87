package raster

import (
	"fmt"
	"math"
)

// GeoTransform is an affine pixel→world mapping in GDAL coefficient order:
// originX, pixelWidth, rowRotation, originY, colRotation, pixelHeight.
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// NorthUp builds the common unrotated transform with square pixels.
func NorthUp(originX, originY, res float64) GeoTransform {
	return GeoTransform{originX, res, 0, originY, 0, -res}
}

// Apply maps (col,row) to world coordinates. Fractional coordinates are
// allowed; pixel centres sit at +0.5.
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// Invert returns the world→pixel transform.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, fmt.Errorf("geotransform %v is not invertible", gt)
	}
	inv := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, nil
}

// Offset returns the transform of a window whose top-left pixel is
// (col,row) in gt.
func (gt GeoTransform) Offset(col, row int) GeoTransform {
	x, y := gt.Apply(float64(col), float64(row))
	out := gt
	out[0], out[3] = x, y
	return out
}

// AlmostEqual compares coefficient-wise within tol, relative to the
// coefficient magnitude once it exceeds 1 (projected origins are large).
func (gt GeoTransform) AlmostEqual(other GeoTransform, tol float64) bool {
	for i := range gt {
		scale := math.Max(1, math.Max(math.Abs(gt[i]), math.Abs(other[i])))
		if math.Abs(gt[i]-other[i]) > tol*scale {
			return false
		}
	}
	return true
}
