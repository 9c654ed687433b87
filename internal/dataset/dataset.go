package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/raster"
)

// PixelScale maps 8-bit reflectance to [0,1].
const PixelScale = 255.0

// MismatchedCorpusError reports image and label folders of different sizes.
type MismatchedCorpusError struct {
	Images, Labels int
}

func (e *MismatchedCorpusError) Error() string {
	return fmt.Sprintf("number of images (%d) and masks (%d) do not match", e.Images, e.Labels)
}

func (e *MismatchedCorpusError) Unwrap() error { return raster.ErrConfiguration }

// HWC is an image in height×width×channel order with its single-channel mask.
type HWC struct {
	H, W, C int
	Pix     []float32
	Mask    []float32
}

func (s *HWC) at(y, x, c int) float32 { return s.Pix[(y*s.W+x)*s.C+c] }

// FlipH mirrors columns.
func (s *HWC) FlipH() {
	s.remap(s.H, s.W, func(y, x int) (int, int) { return y, s.W - 1 - x })
}

// FlipV mirrors rows.
func (s *HWC) FlipV() {
	s.remap(s.H, s.W, func(y, x int) (int, int) { return s.H - 1 - y, x })
}

// Rot90 rotates k quarter turns counterclockwise.
func (s *HWC) Rot90(k int) {
	for range ((k % 4) + 4) % 4 {
		h, w := s.H, s.W
		s.remap(w, h, func(y, x int) (int, int) { return x, w - 1 - y })
	}
}

// remap rebuilds s as an h×w image where output (y,x) reads source src(y,x).
func (s *HWC) remap(h, w int, src func(y, x int) (int, int)) {
	pix := make([]float32, len(s.Pix))
	mask := make([]float32, len(s.Mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sy, sx := src(y, x)
			for c := 0; c < s.C; c++ {
				pix[(y*w+x)*s.C+c] = s.at(sy, sx, c)
			}
			mask[y*w+x] = s.Mask[sy*s.W+sx]
		}
	}
	s.H, s.W, s.Pix, s.Mask = h, w, pix, mask
}

// Augmenter transforms a sample in place. It must apply the same geometric
// transform to image and mask.
type Augmenter interface {
	Augment(s *HWC, rng *rand.Rand)
}

// NoAugment leaves samples unchanged.
type NoAugment struct{}

func (NoAugment) Augment(*HWC, *rand.Rand) {}

// FlipRotate applies a horizontal flip, a vertical flip and a random
// multiple of 90° rotation, each with its own probability.
type FlipRotate struct {
	PH, PV, PRot float64
}

// DefaultAugment is the training augmentation: each transform with p=0.5.
func DefaultAugment() FlipRotate { return FlipRotate{PH: 0.5, PV: 0.5, PRot: 0.5} }

func (f FlipRotate) Augment(s *HWC, rng *rand.Rand) {
	if rng.Float64() < f.PH {
		s.FlipH()
	}
	if rng.Float64() < f.PV {
		s.FlipV()
	}
	if rng.Float64() < f.PRot {
		s.Rot90(rng.Intn(4))
	}
}

// Sample is one model-ready pair: a 1×C×H×W image and a 1×1×H×W mask.
type Sample struct {
	Name  string
	Image *nn.Tensor
	Mask  *nn.Tensor
}

// Dataset pairs images and labels by sorted file name.
type Dataset struct {
	fsys    fsutil.FileSystem
	drv     raster.Driver
	imgDir  string
	maskDir string
	images  []string
	masks   []string
	aug     Augmenter
}

// New lists imgDir and maskDir. A nil aug means NoAugment.
func New(fsys fsutil.FileSystem, drv raster.Driver, imgDir, maskDir string, aug Augmenter) (*Dataset, error) {
	images, err := listTiles(fsys, imgDir)
	if err != nil {
		return nil, err
	}
	masks, err := listTiles(fsys, maskDir)
	if err != nil {
		return nil, err
	}
	if len(images) != len(masks) {
		return nil, &MismatchedCorpusError{Images: len(images), Labels: len(masks)}
	}
	if aug == nil {
		aug = NoAugment{}
	}
	return &Dataset{fsys: fsys, drv: drv, imgDir: imgDir, maskDir: maskDir, images: images, masks: masks, aug: aug}, nil
}

func listTiles(fsys fsutil.FileSystem, dir string) ([]string, error) {
	names, err := fsys.ListFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names = fsutil.FilterExt(names, ".tif")
	sort.Strings(names)
	return names, nil
}

// Len is the number of samples.
func (d *Dataset) Len() int { return len(d.images) }

// Names returns the image file names in sample order.
func (d *Dataset) Names() []string { return append([]string(nil), d.images...) }

// Get loads sample i. Pixels are divided by 255, mask values above zero
// become 1, and the augmenter runs with rng. The rng may be nil when the
// augmenter ignores it.
func (d *Dataset) Get(i int, rng *rand.Rand) (Sample, error) {
	if i < 0 || i >= len(d.images) {
		return Sample{}, fmt.Errorf("sample %d out of range [0,%d)", i, len(d.images))
	}
	img, err := d.drv.Open(filepath.Join(d.imgDir, d.images[i]))
	if err != nil {
		return Sample{}, fmt.Errorf("read image: %w", err)
	}
	lbl, err := d.drv.Open(filepath.Join(d.maskDir, d.masks[i]))
	if err != nil {
		return Sample{}, fmt.Errorf("read mask: %w", err)
	}
	if img.Width != lbl.Width || img.Height != lbl.Height {
		return Sample{}, fmt.Errorf("%s: image %dx%d and mask %dx%d differ: %w",
			d.images[i], img.Width, img.Height, lbl.Width, lbl.Height, raster.ErrSpatialAlignment)
	}

	s := toHWC(img, lbl)
	d.aug.Augment(s, rng)
	return toSample(d.images[i], s), nil
}

func toHWC(img, lbl *raster.Raster) *HWC {
	s := &HWC{H: img.Height, W: img.Width, C: len(img.Bands)}
	s.Pix = make([]float32, s.H*s.W*s.C)
	s.Mask = make([]float32, s.H*s.W)
	for c, b := range img.Bands {
		for p, v := range b.Data {
			s.Pix[p*s.C+c] = float32(v / PixelScale)
		}
	}
	for p, v := range lbl.Bands[0].Data {
		if v > 0 {
			s.Mask[p] = 1
		}
	}
	return s
}

func toSample(name string, s *HWC) Sample {
	img := nn.NewTensor(1, s.C, s.H, s.W)
	for y := 0; y < s.H; y++ {
		for x := 0; x < s.W; x++ {
			for c := 0; c < s.C; c++ {
				img.Data[img.Index(0, c, y, x)] = s.at(y, x, c)
			}
		}
	}
	mask := &nn.Tensor{Shape: [4]int{1, 1, s.H, s.W}, Data: s.Mask}
	return Sample{Name: name, Image: img, Mask: mask}
}

// sampleRNG derives the augmentation stream of one sample in one epoch, so
// results do not depend on which worker loads it.
func sampleRNG(seed int64, epoch, index int) *rand.Rand {
	return rand.New(rand.NewSource(seed*1_000_003 + int64(epoch)*100_003 + int64(index)))
}
