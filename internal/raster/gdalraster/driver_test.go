package gdalraster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/canopy/internal/raster"
)

func TestDriver_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.tif")
	g := raster.Grid{CRS: "EPSG:4674", Transform: raster.NorthUp(-54.0, -3.0, 0.000269), Width: 6, Height: 4}
	r := raster.New(g, raster.Byte, 2)
	for i := range r.Bands[0].Data {
		r.Bands[0].Data[i] = float64(i)
		r.Bands[1].Data[i] = 255
	}
	r.Tags["acquisition_date"] = "20230801"

	drv := NewDriver()
	require.NoError(t, drv.Create(path, r))

	got, err := drv.Open(path)
	require.NoError(t, err)
	assert.Equal(t, raster.Byte, got.DataType)
	assert.True(t, got.Grid.Equal(g), "got %v want %v", got.Grid, g)
	require.Len(t, got.Bands, 2)
	assert.Equal(t, r.Bands[0].Data, got.Bands[0].Data)
	assert.Equal(t, "20230801", got.Tags["acquisition_date"])
}

func TestDriver_OpenMissing(t *testing.T) {
	_, err := NewDriver().Open(filepath.Join(t.TempDir(), "nope.tif"))
	assert.Error(t, err)
}

func TestProjector_SameCRSIsIdentity(t *testing.T) {
	tr, err := Projector{}.Transformer("EPSG:4674", "EPSG:4674")
	require.NoError(t, err)
	xs, ys := []float64{-54.5}, []float64{-3.25}
	require.NoError(t, tr(xs, ys))
	assert.Equal(t, -54.5, xs[0])
	assert.Equal(t, -3.25, ys[0])
}

func TestProjector_UTMToGeographic(t *testing.T) {
	// SIRGAS 2000 / UTM 22S to SIRGAS 2000 geographic.
	tr, err := Projector{}.Transformer("EPSG:31982", "EPSG:4674")
	require.NoError(t, err)
	xs, ys := []float64{500000}, []float64{10000000}
	require.NoError(t, tr(xs, ys))
	assert.InDelta(t, -51.0, xs[0], 1e-6)
	assert.InDelta(t, 0.0, ys[0], 1e-6)
}
