// Package prep turns Sentinel-2 band folders and a categorical label raster
// into aligned image/label tiles.
//
// Per scene the stages run in order: AlignBands (or StackBands when the bands
// are already co-registered), ClipLabels, BinarizeFile and TilePair. Every
// stage reads and writes whole files through a raster.Driver, so the
// in-memory driver can stand in for GDAL in tests.
package prep

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/raster"
)

// AcquisitionDateTag is the metadata key carrying the scene date.
const AcquisitionDateTag = "acquisition_date"

var logf = monitoring.Component("prep")

// Pipeline holds the collaborators and grid settings shared by every stage.
type Pipeline struct {
	Driver    raster.Driver
	Projector raster.Projector
	FS        fsutil.FileSystem

	Bands      []string
	BandSuffix string
	TargetCRS  string
	Resolution float64
}

// NewPipeline builds a Pipeline from cfg.
func NewPipeline(cfg *config.PrepConfig, drv raster.Driver, proj raster.Projector, fsys fsutil.FileSystem) *Pipeline {
	return &Pipeline{
		Driver:     drv,
		Projector:  proj,
		FS:         fsys,
		Bands:      cfg.GetBands(),
		BandSuffix: cfg.GetBandSuffix(),
		TargetCRS:  cfg.GetTargetCRS(),
		Resolution: cfg.GetTargetResolution(),
	}
}

// ResolveBands finds, for each band code, the file in folder named
// "*_<band><suffix>". All unresolved bands are reported together.
func ResolveBands(fsys fsutil.FileSystem, folder string, bands []string, suffix string) ([]string, error) {
	if len(bands) == 0 {
		return nil, &MissingBandError{Folder: folder}
	}
	names, err := fsys.ListFiles(folder)
	if err != nil {
		return nil, fmt.Errorf("list band folder: %w", err)
	}

	paths := make([]string, len(bands))
	var missing []string
	for i, band := range bands {
		want := "_" + band + suffix
		for _, n := range names {
			if strings.HasSuffix(n, want) {
				paths[i] = filepath.Join(folder, n)
				break
			}
		}
		if paths[i] == "" {
			missing = append(missing, band)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingBandError{Folder: folder, Bands: missing}
	}
	return paths, nil
}

// AcquisitionDate returns the token between the first and second underscore
// of a Sentinel-2 filename: "T22MCA_20230801T133851_B02_10m.jp2" yields
// "20230801T133851". It is empty when the name has no underscore.
func AcquisitionDate(path string) string {
	parts := strings.Split(filepath.Base(path), "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// AlignBands warps every band of folder onto one destination grid, computed
// from the first band, and writes them min-max scaled as a Byte stack.
func (p *Pipeline) AlignBands(folder, out string) error {
	paths, err := ResolveBands(p.FS, folder, p.Bands, p.BandSuffix)
	if err != nil {
		return err
	}

	first, err := p.Driver.Open(paths[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", paths[0], err)
	}
	dst, err := raster.DefaultGrid(first.Grid, p.TargetCRS, p.Resolution, p.Projector)
	if err != nil {
		return fmt.Errorf("destination grid from %s: %w", paths[0], err)
	}

	stack := &raster.Raster{
		Grid:     dst,
		DataType: raster.Byte,
		Bands:    make([]raster.Band, len(paths)),
		Tags:     map[string]string{},
	}

	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			src := first
			if i > 0 {
				var err error
				if src, err = p.Driver.Open(path); err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
			}
			data, err := raster.Reproject(src, 0, dst, raster.Bilinear, p.Projector)
			if err != nil {
				return fmt.Errorf("reproject %s: %w", p.Bands[i], err)
			}
			scaled, ok := raster.MinMaxScale(data)
			if !ok {
				logf("band %s of %s is constant; writing zeros", p.Bands[i], folder)
			}
			stack.Bands[i] = raster.Band{Name: p.Bands[i], Data: scaled}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return p.write(out, stack, paths[0])
}

// StackBands reads already co-registered bands and writes them unchanged,
// keeping the first band's data type, nodata value and grid.
func (p *Pipeline) StackBands(folder, out string) error {
	paths, err := ResolveBands(p.FS, folder, p.Bands, p.BandSuffix)
	if err != nil {
		return err
	}

	var stack *raster.Raster
	for i, path := range paths {
		src, err := p.Driver.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if stack == nil {
			stack = &raster.Raster{
				Grid:     src.Grid,
				DataType: src.DataType,
				NoData:   src.NoData,
				Tags:     map[string]string{},
			}
		} else if !src.Grid.Equal(stack.Grid) {
			return fmt.Errorf("band %s grid %v differs from %s grid %v: %w",
				p.Bands[i], src.Grid, p.Bands[0], stack.Grid, raster.ErrSpatialAlignment)
		}
		stack.Bands = append(stack.Bands, raster.Band{Name: p.Bands[i], Data: src.Bands[0].Data})
	}

	return p.write(out, stack, paths[0])
}

func (p *Pipeline) write(out string, stack *raster.Raster, datePath string) error {
	if date := AcquisitionDate(datePath); date != "" {
		stack.Tags[AcquisitionDateTag] = date
	}
	if err := p.FS.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("create output folder: %w", err)
	}
	if err := p.Driver.Create(out, stack); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logf("wrote %s (%s, %d bands)", out, stack.Grid, len(stack.Bands))
	return nil
}

// ClipLabels resamples the label raster onto the exact grid of reference
// with nearest-neighbour sampling and writes it as Int32.
func (p *Pipeline) ClipLabels(labelPath, referencePath, out string) error {
	ref, err := p.Driver.Open(referencePath)
	if err != nil {
		return &InvalidReferenceRasterError{Path: referencePath, Reason: "cannot open", Err: err}
	}
	if ref.Grid.Empty() {
		return &InvalidReferenceRasterError{
			Path:   referencePath,
			Reason: fmt.Sprintf("zero extent %dx%d", ref.Width, ref.Height),
		}
	}

	lbl, err := p.Driver.Open(labelPath)
	if err != nil {
		return fmt.Errorf("open label raster: %w", err)
	}
	data, err := raster.Reproject(lbl, 0, ref.Grid, raster.Nearest, p.Projector)
	if err != nil {
		return fmt.Errorf("reproject labels onto %s: %w", referencePath, err)
	}

	clipped := raster.New(ref.Grid, raster.Int32, 1)
	for i, v := range data {
		clipped.Bands[0].Data[i] = raster.Int32.Clamp(v)
	}
	clipped.Bands[0].Name = "label"
	if err := p.Driver.Create(out, clipped); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	return nil
}

// BinarizeFile writes a single-band Byte mask of in: 255 where the first band
// equals fg, else 0.
func (p *Pipeline) BinarizeFile(in, out string, fg float64) error {
	src, err := p.Driver.Open(in)
	if err != nil {
		return fmt.Errorf("open %s: %w", in, err)
	}
	mask := raster.New(src.Grid, raster.Byte, 1)
	mask.Bands[0] = raster.Band{Name: "mask", Data: raster.Binarize(src.Bands[0].Data, fg)}
	if err := p.Driver.Create(out, mask); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logf("binary mask saved as %s", out)
	return nil
}

// TilePair cuts an aligned image/label pair into size×size tiles written as
// <root>/images/<prefix>_NNN.tif and <root>/labels/<prefix>_NNN.tif. It
// returns the number of tiles written.
func (p *Pipeline) TilePair(imagePath, labelPath, root, prefix string, size int) (int, error) {
	img, err := p.Driver.Open(imagePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", imagePath, err)
	}
	lbl, err := p.Driver.Open(labelPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", labelPath, err)
	}
	tiles, err := raster.Tiles(img, lbl, size)
	if err != nil {
		return 0, fmt.Errorf("tile %s: %w", prefix, err)
	}

	imagesDir, labelsDir := filepath.Join(root, "images"), filepath.Join(root, "labels")
	for _, dir := range []string{imagesDir, labelsDir} {
		if err := p.FS.MkdirAll(dir, os.FileMode(0755)); err != nil {
			return 0, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, t := range tiles {
		name := TileName(prefix, t.Index)
		if err := p.Driver.Create(filepath.Join(imagesDir, name), t.Image); err != nil {
			return t.Index, fmt.Errorf("write image tile %s: %w", name, err)
		}
		t.Label.Bands = t.Label.Bands[:1]
		if err := p.Driver.Create(filepath.Join(labelsDir, name), t.Label); err != nil {
			return t.Index, fmt.Errorf("write label tile %s: %w", name, err)
		}
	}
	return len(tiles), nil
}

// TileName is the shared image/label filename of tile i.
func TileName(prefix string, i int) string {
	return fmt.Sprintf("%s_%03d.tif", prefix, i)
}
