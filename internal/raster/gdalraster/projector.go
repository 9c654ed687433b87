package gdalraster

import (
	"fmt"

	"github.com/lukeroth/gdal"

	"github.com/banshee-data/canopy/internal/raster"
)

func init() {
	// Keep x=longitude/easting, y=latitude/northing for geographic CRSs under GDAL 3.
	gdal.CPLSetConfigOption("OSR_DEFAULT_AXIS_MAPPING_STRATEGY", "TRADITIONAL_GIS_ORDER")
}

// Projector builds OSR coordinate transforms.
type Projector struct{}

func (Projector) Transformer(srcCRS, dstCRS string) (raster.PointTransform, error) {
	if srcCRS == dstCRS {
		return raster.IdentityProjector{}.Transformer(srcCRS, dstCRS)
	}
	src, err := spatialReference(srcCRS)
	if err != nil {
		return nil, err
	}
	dst, err := spatialReference(dstCRS)
	if err != nil {
		src.Destroy()
		return nil, err
	}

	return func(xs, ys []float64) error {
		ct := gdal.CreateCoordinateTransform(src, dst)
		defer ct.Destroy()
		zs := make([]float64, len(xs))
		if !ct.Transform(len(xs), xs, ys, zs) {
			return fmt.Errorf("transform %d points %s -> %s failed", len(xs), srcCRS, dstCRS)
		}
		return nil
	}, nil
}

// spatialReference parses "EPSG:<code>", WKT or anything else OSR accepts
// as user input.
func spatialReference(def string) (gdal.SpatialReference, error) {
	sr := gdal.CreateSpatialReference("")
	if err := sr.SetFromUserInput(def); err != nil {
		sr.Destroy()
		return sr, fmt.Errorf("parse CRS %q: %w", def, err)
	}
	return sr, nil
}

func toWKT(def string) (string, error) {
	sr, err := spatialReference(def)
	if err != nil {
		return "", err
	}
	defer sr.Destroy()
	return sr.ToWKT()
}

// canonicalCRS reduces a dataset WKT to "EPSG:<code>" when the authority is
// known.
func canonicalCRS(wkt string) string {
	if wkt == "" {
		return ""
	}
	sr := gdal.CreateSpatialReference(wkt)
	defer sr.Destroy()
	if err := sr.AutoIdentifyEPSG(); err != nil {
		return wkt
	}
	node := "PROJCS"
	if sr.IsGeographic() {
		node = "GEOGCS"
	}
	if sr.AuthorityName(node) != "EPSG" {
		return wkt
	}
	code := sr.AuthorityCode(node)
	if code == "" {
		return wkt
	}
	return "EPSG:" + code
}
