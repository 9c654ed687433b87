package prep

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/raster"
)

const (
	utm        = "EPSG:31982"
	geographic = "EPSG:4674"
)

func init() {
	monitoring.SetLogger(nil)
}

// utmToGeographic places a 100 m square UTM scene at (-55, -3) with 1e-4
// degrees per metre.
var utmToGeographic = raster.AffineProjector{Maps: map[string]raster.GeoTransform{
	utm + "->" + geographic: {-55, 0.0001, 0, -3, 0, 0.0001},
}}

type fixture struct {
	fs  *fsutil.MemoryFileSystem
	drv *raster.MemDriver
	p   *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	drv := raster.NewMemDriver()
	return &fixture{
		fs:  fsys,
		drv: drv,
		p: &Pipeline{
			Driver:     drv,
			Projector:  utmToGeographic,
			FS:         fsys,
			Bands:      config.DefaultBands,
			BandSuffix: "_10m.jp2",
			TargetCRS:  geographic,
			Resolution: 0.001,
		},
	}
}

// put stores r at path in both the file listing and the raster driver.
func (f *fixture) put(t *testing.T, path string, r *raster.Raster) {
	t.Helper()
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, f.fs.WriteFile(path, nil, 0644))
	require.NoError(t, f.drv.Create(path, r))
}

func bandPath(folder, band string) string {
	return filepath.Join(folder, "T22MCA_20230801T133851_"+band+"_10m.jp2")
}

// utmBand is a 10×10 UInt16 band on a 10 m UTM grid.
func utmBand(scale float64) *raster.Raster {
	r := raster.New(raster.Grid{CRS: utm, Transform: raster.NorthUp(0, 100, 10), Width: 10, Height: 10}, raster.UInt16, 1)
	for i := range r.Bands[0].Data {
		r.Bands[0].Data[i] = float64(i) * scale
	}
	return r
}

func (f *fixture) putScene(t *testing.T, folder string, bands ...string) {
	t.Helper()
	for i, b := range bands {
		f.put(t, bandPath(folder, b), utmBand(float64(i+1)))
	}
}

func TestResolveBands(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/s1", "B08", "B02", "B04", "B03")
	require.NoError(t, f.fs.WriteFile("/scenes/s1/T22MCA_20230801T133851_B02_20m.jp2", nil, 0644))

	paths, err := ResolveBands(f.fs, "/scenes/s1", config.DefaultBands, "_10m.jp2")
	require.NoError(t, err)
	require.Len(t, paths, 4)
	for i, b := range config.DefaultBands {
		assert.Equal(t, bandPath("/scenes/s1", b), paths[i])
	}

	_, err = ResolveBands(f.fs, "/scenes/missing", config.DefaultBands, "_10m.jp2")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestAcquisitionDate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "20230801T133851", AcquisitionDate("/a/T22MCA_20230801T133851_B02_10m.jp2"))
	assert.Equal(t, "", AcquisitionDate("/a/nodate.jp2"))
}

func TestAlignBands_MissingBandWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/s1", "B02", "B03", "B04")
	before := f.drv.Paths()

	err := f.p.AlignBands("/scenes/s1", "/out/s1/s1.tif")
	var mbe *MissingBandError
	require.True(t, errors.As(err, &mbe), "got %v", err)
	assert.Equal(t, []string{"B08"}, mbe.Bands)
	assert.True(t, errors.Is(err, raster.ErrConfiguration))

	assert.Equal(t, before, f.drv.Paths())
	assert.False(t, f.fs.Exists("/out/s1"))
}

func TestNoBandsConfigured(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/s1", "B02", "B03", "B04", "B08")
	p := *f.p
	p.Bands = nil

	for name, stage := range map[string]func(folder, out string) error{
		"align": p.AlignBands,
		"stack": p.StackBands,
	} {
		err := stage("/scenes/s1", "/out/s1/s1.tif")
		var mbe *MissingBandError
		require.True(t, errors.As(err, &mbe), "%s: got %v", name, err)
		assert.Empty(t, mbe.Bands, name)
		assert.True(t, errors.Is(err, raster.ErrConfiguration), name)
	}
	assert.False(t, f.fs.Exists("/out/s1"))
}

func TestAlignBands(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/s1", "B02", "B03", "B04", "B08")
	// A constant band falls back to zeros instead of failing.
	f.put(t, bandPath("/scenes/s1", "B03"), utmBand(0))

	require.NoError(t, f.p.AlignBands("/scenes/s1", "/out/s1/s1.tif"))

	out, err := f.drv.Open("/out/s1/s1.tif")
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.Equal(t, raster.Byte, out.DataType)
	assert.Equal(t, geographic, out.CRS)
	assert.Equal(t, 10, out.Width)
	assert.Equal(t, 10, out.Height)
	assert.True(t, out.Transform.AlmostEqual(raster.NorthUp(-55, -2.99, 0.001), 1e-9), "got %v", out.Transform)
	assert.Equal(t, "20230801T133851", out.Tags[AcquisitionDateTag])

	require.Len(t, out.Bands, 4)
	for i, b := range out.Bands {
		assert.Equal(t, config.DefaultBands[i], b.Name)
		assert.Len(t, b.Data, out.Width*out.Height)
		for _, v := range b.Data {
			assert.True(t, v >= 0 && v <= 255)
		}
	}
	assert.Equal(t, 0.0, out.Bands[0].Data[0])
	assert.Equal(t, 255.0, out.Bands[0].Data[99])
	for _, v := range out.Bands[1].Data {
		assert.Equal(t, 0.0, v)
	}
}

func TestStackBands(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/s1", "B02", "B03", "B04", "B08")

	require.NoError(t, f.p.StackBands("/scenes/s1", "/out/s1/s1.tif"))
	out, err := f.drv.Open("/out/s1/s1.tif")
	require.NoError(t, err)
	assert.Equal(t, raster.UInt16, out.DataType)
	assert.Equal(t, utm, out.CRS)
	require.Len(t, out.Bands, 4)
	assert.Equal(t, utmBand(4).Bands[0].Data, out.Bands[3].Data)
	assert.Equal(t, "20230801T133851", out.Tags[AcquisitionDateTag])

	t.Run("misregistered band", func(t *testing.T) {
		shifted := utmBand(1)
		shifted.Transform = raster.NorthUp(10, 100, 10)
		f.put(t, bandPath("/scenes/s1", "B04"), shifted)
		err := f.p.StackBands("/scenes/s1", "/out/s1/s1.tif")
		assert.True(t, errors.Is(err, raster.ErrSpatialAlignment))
	})
}

// labelRaster is a 20×20 categorical raster cycling through {0, 100, 200}
// on a 0.002° grid covering the aligned scene.
func labelRaster() *raster.Raster {
	r := raster.New(raster.Grid{CRS: geographic, Transform: raster.NorthUp(-55.01, -2.98, 0.002), Width: 20, Height: 20}, raster.Int16, 1)
	cats := []float64{0, 100, 200}
	for i := range r.Bands[0].Data {
		r.Bands[0].Data[i] = cats[i%3]
	}
	return r
}

func referenceRaster() *raster.Raster {
	return raster.New(raster.Grid{CRS: geographic, Transform: raster.NorthUp(-55, -2.99, 0.001), Width: 10, Height: 10}, raster.Byte, 4)
}

func TestClipLabels(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/prodes.tif", labelRaster())
	f.put(t, "/out/s1/s1.tif", referenceRaster())

	require.NoError(t, f.p.ClipLabels("/prodes.tif", "/out/s1/s1.tif", "/out/s1/s1_PRODES.tif"))

	got, err := f.drv.Open("/out/s1/s1_PRODES.tif")
	require.NoError(t, err)
	assert.True(t, got.Grid.Equal(referenceRaster().Grid))
	assert.Equal(t, raster.Int32, got.DataType)
	require.Len(t, got.Bands, 1)
	for _, v := range got.Bands[0].Data {
		assert.Contains(t, []float64{0, 100, 200}, v)
	}
	// Reference pixel (0,0) has its centre in label pixel (5,5).
	assert.Equal(t, labelRaster().At(0, 5, 5), got.At(0, 0, 0))
}

type zeroExtentDriver struct {
	*raster.MemDriver
}

func (d zeroExtentDriver) Open(path string) (*raster.Raster, error) {
	if path == "/empty.tif" {
		return &raster.Raster{Grid: raster.Grid{CRS: geographic, Transform: raster.NorthUp(0, 0, 1)}}, nil
	}
	return d.MemDriver.Open(path)
}

func TestClipLabels_InvalidReference(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/prodes.tif", labelRaster())

	err := f.p.ClipLabels("/prodes.tif", "/missing.tif", "/out.tif")
	var ire *InvalidReferenceRasterError
	require.True(t, errors.As(err, &ire), "got %v", err)
	assert.Equal(t, "/missing.tif", ire.Path)
	assert.True(t, errors.Is(err, raster.ErrSpatialAlignment))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	f.p.Driver = zeroExtentDriver{f.drv}
	err = f.p.ClipLabels("/prodes.tif", "/empty.tif", "/out.tif")
	require.True(t, errors.As(err, &ire))
	assert.Contains(t, ire.Reason, "zero extent")
	assert.NotContains(t, f.drv.Paths(), "/out.tif")
}

func TestBinarizeFile(t *testing.T) {
	f := newFixture(t)
	in := raster.New(raster.Grid{CRS: geographic, Transform: raster.NorthUp(0, 3, 1), Width: 3, Height: 2}, raster.Int32, 1)
	in.Bands[0].Data = []float64{0, 100, 200, 100, 200, 0}
	f.put(t, "/labels.tif", in)

	require.NoError(t, f.p.BinarizeFile("/labels.tif", "/binary.tif", 100))
	out, err := f.drv.Open("/binary.tif")
	require.NoError(t, err)
	assert.Equal(t, raster.Byte, out.DataType)
	require.Len(t, out.Bands, 1)
	assert.True(t, out.Grid.Equal(in.Grid))
	assert.Equal(t, []float64{0, 255, 0, 255, 0, 0}, out.Bands[0].Data)

	require.NoError(t, f.p.BinarizeFile("/binary.tif", "/binary2.tif", 255))
	again, err := f.drv.Open("/binary2.tif")
	require.NoError(t, err)
	assert.Equal(t, out.Bands[0].Data, again.Bands[0].Data)
}

func TestTilePair(t *testing.T) {
	f := newFixture(t)
	g := raster.Grid{CRS: geographic, Transform: raster.NorthUp(-55, -3, 0.001), Width: 10, Height: 9}
	f.put(t, "/s1.tif", raster.New(g, raster.Byte, 4))
	lbl := raster.New(g, raster.Byte, 2)
	f.put(t, "/s1_bin.tif", lbl)

	n, err := f.p.TilePair("/s1.tif", "/s1_bin.tif", "/tiles", "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	images, err := f.fs.ListDirs("/tiles")
	require.NoError(t, err)
	assert.Equal(t, []string{"images", "labels"}, images)

	for i := 0; i < n; i++ {
		name := TileName("s1", i)
		img, err := f.drv.Open(filepath.Join("/tiles/images", name))
		require.NoError(t, err)
		lt, err := f.drv.Open(filepath.Join("/tiles/labels", name))
		require.NoError(t, err)
		assert.Len(t, img.Bands, 4)
		assert.Len(t, lt.Bands, 1)
		assert.Equal(t, 4, img.Width)
		assert.Equal(t, 4, lt.Height)
		assert.True(t, img.Grid.Equal(lt.Grid))
	}
	assert.Equal(t, "s1_003.tif", TileName("s1", 3))

	last, err := f.drv.Open("/tiles/images/s1_003.tif")
	require.NoError(t, err)
	assert.Equal(t, g.Transform.Offset(4, 4), last.Transform)
}

func TestSceneRunner(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/S2A_good", "B02", "B03", "B04", "B08")
	f.putScene(t, "/scenes/S2B_partial", "B02", "B03", "B04")
	f.put(t, "/prodes.tif", labelRaster())

	r := &SceneRunner{
		Pipeline:    f.p,
		ScenesDir:   "/scenes",
		OutputDir:   "/out",
		LabelPath:   "/prodes.tif",
		TilesDir:    "/tiles",
		ForestValue: 100,
		TileSize:    4,
	}
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scenes)
	assert.Equal(t, 4, sum.Tiles)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "S2B_partial", sum.Failed[0].Scene)
	var mbe *MissingBandError
	assert.True(t, errors.As(sum.Failed[0], &mbe))

	paths := r.Paths("S2A_good")
	for _, p := range []string{paths.Image, paths.Labels, paths.BinaryLabel, "/tiles/images/S2A_good_000.tif", "/tiles/labels/S2A_good_003.tif"} {
		_, err := f.drv.Open(p)
		assert.NoError(t, err, p)
	}
	mask, err := f.drv.Open("/tiles/labels/S2A_good_000.tif")
	require.NoError(t, err)
	for _, v := range mask.Bands[0].Data {
		assert.Contains(t, []float64{0, 255}, v)
	}
}

func TestSceneRunner_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.putScene(t, "/scenes/S2A_good", "B02", "B03", "B04", "B08")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &SceneRunner{Pipeline: f.p, ScenesDir: "/scenes", OutputDir: "/out", TileSize: 4}
	_, err := r.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, f.fs.Exists("/out/S2A_good"))
}

func TestNewSceneRunner(t *testing.T) {
	cfg := &config.PrepConfig{}
	r := NewSceneRunner(cfg, NewPipeline(cfg, raster.NewMemDriver(), raster.IdentityProjector{}, fsutil.NewMemoryFileSystem()))
	assert.Equal(t, 512, r.TileSize)
	assert.True(t, r.Fast)
	assert.Equal(t, 100.0, r.ForestValue)
	assert.Equal(t, "EPSG:4674", r.Pipeline.TargetCRS)
}
