// Package gdalraster implements raster.Driver and raster.Projector on GDAL.
//
// Rasters are read whole: every band is loaded into memory as float64. The
// CRS of an opened file is reported as "EPSG:<code>" when GDAL can identify
// it, otherwise as the dataset WKT, so grids written from an EPSG target
// compare equal to grids read back from disk.
package gdalraster

import (
	"fmt"
	"strings"

	"github.com/lukeroth/gdal"

	"github.com/banshee-data/canopy/internal/raster"
)

// DefaultFormat is the GDAL driver used for every written raster.
const DefaultFormat = "GTiff"

// Driver reads any GDAL-supported format and writes Format (GTiff by default).
type Driver struct {
	Format string
	// CreateOptions are passed to GDALCreate, e.g. "COMPRESS=DEFLATE".
	CreateOptions []string
}

// NewDriver returns a GTiff-writing driver.
func NewDriver() *Driver {
	return &Driver{Format: DefaultFormat}
}

func (d *Driver) Open(path string) (*raster.Raster, error) {
	ds, err := gdal.Open(path, gdal.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()

	w, h, n := ds.RasterXSize(), ds.RasterYSize(), ds.RasterCount()
	if n == 0 {
		return nil, fmt.Errorf("open %s: dataset has no bands", path)
	}
	g := raster.Grid{
		CRS:       canonicalCRS(ds.Projection()),
		Transform: raster.GeoTransform(ds.GeoTransform()),
		Width:     w,
		Height:    h,
	}

	first := ds.RasterBand(1)
	out := &raster.Raster{
		Grid:     g,
		DataType: fromGDALType(first.RasterDataType()),
		Bands:    make([]raster.Band, n),
		Tags:     map[string]string{},
	}
	if nd, ok := first.NoDataValue(); ok {
		out.NoData = &nd
	}

	for i := 0; i < n; i++ {
		band := ds.RasterBand(i + 1)
		data := make([]float64, w*h)
		if err := band.IO(gdal.Read, 0, 0, w, h, data, w, h, 0, 0); err != nil {
			return nil, fmt.Errorf("read %s band %d: %w", path, i+1, err)
		}
		out.Bands[i] = raster.Band{Name: fmt.Sprintf("band_%d", i+1), Data: data}
	}

	for _, kv := range ds.Metadata("") {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out.Tags[k] = v
		}
	}
	return out, nil
}

func (d *Driver) Create(path string, r *raster.Raster) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	format := d.Format
	if format == "" {
		format = DefaultFormat
	}
	drv, err := gdal.GetDriverByName(format)
	if err != nil {
		return fmt.Errorf("gdal driver %s: %w", format, err)
	}

	ds := drv.Create(path, r.Width, r.Height, len(r.Bands), toGDALType(r.DataType), d.CreateOptions)
	defer ds.Close()

	if err := ds.SetGeoTransform([6]float64(r.Transform)); err != nil {
		return fmt.Errorf("set geotransform on %s: %w", path, err)
	}
	if r.CRS != "" {
		wkt, err := toWKT(r.CRS)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := ds.SetProjection(wkt); err != nil {
			return fmt.Errorf("set projection on %s: %w", path, err)
		}
	}
	for k, v := range r.Tags {
		if err := ds.SetMetadataItem(k, v, ""); err != nil {
			return fmt.Errorf("set tag %s on %s: %w", k, path, err)
		}
	}

	for i, b := range r.Bands {
		band := ds.RasterBand(i + 1)
		if r.NoData != nil {
			if err := band.SetNoDataValue(*r.NoData); err != nil {
				return fmt.Errorf("set nodata on %s band %d: %w", path, i+1, err)
			}
		}
		data := make([]float64, len(b.Data))
		for j, v := range b.Data {
			data[j] = r.DataType.Clamp(v)
		}
		if err := band.IO(gdal.Write, 0, 0, r.Width, r.Height, data, r.Width, r.Height, 0, 0); err != nil {
			return fmt.Errorf("write %s band %d: %w", path, i+1, err)
		}
	}
	return nil
}

func fromGDALType(t gdal.DataType) raster.DataType {
	switch t {
	case gdal.Byte:
		return raster.Byte
	case gdal.UInt16:
		return raster.UInt16
	case gdal.Int16:
		return raster.Int16
	case gdal.Int32, gdal.UInt32:
		return raster.Int32
	case gdal.Float32:
		return raster.Float32
	default:
		return raster.Float64
	}
}

func toGDALType(t raster.DataType) gdal.DataType {
	switch t {
	case raster.Byte:
		return gdal.Byte
	case raster.UInt16:
		return gdal.UInt16
	case raster.Int16:
		return gdal.Int16
	case raster.Int32:
		return gdal.Int32
	case raster.Float32:
		return gdal.Float32
	default:
		return gdal.Float64
	}
}
