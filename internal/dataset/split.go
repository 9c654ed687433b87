// Package dataset splits tile corpora and serves them as model-ready batches.
//
// On disk a corpus is a pair of sibling folders, images/ and labels/, holding
// identically named GeoTIFF tiles. Split copies a corpus into
// {Train,Validation,Test}/{images,labels}; Dataset and Loader read one split
// back as tensors.
package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/raster"
)

var logf = monitoring.Component("dataset")

// Subset directory names, relied on by external tooling.
const (
	TrainDir      = "Train"
	ValidationDir = "Validation"
	TestDir       = "Test"
	ImagesDir     = "images"
	LabelsDir     = "labels"
)

const ratioTolerance = 1e-6

// Ratios are the train/validation/test fractions of a split.
type Ratios struct {
	Train, Val, Test float64
}

// DefaultRatios is 80/15/5.
func DefaultRatios() Ratios { return Ratios{Train: 0.8, Val: 0.15, Test: 0.05} }

// InvalidRatioError reports ratios outside [0,1] or not summing to 1.
type InvalidRatioError struct {
	Ratios
	Reason string
}

func (e *InvalidRatioError) Error() string {
	return fmt.Sprintf("invalid split ratios %g/%g/%g: %s", e.Train, e.Val, e.Test, e.Reason)
}

func (e *InvalidRatioError) Unwrap() error { return raster.ErrConfiguration }

// Validate checks each ratio is in [0,1] and that they sum to 1.
func (r Ratios) Validate() error {
	for _, v := range []float64{r.Train, r.Val, r.Test} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return &InvalidRatioError{Ratios: r, Reason: "each ratio must be between 0 and 1"}
		}
	}
	if math.Abs(r.Train+r.Val+r.Test-1) >= ratioTolerance {
		return &InvalidRatioError{Ratios: r, Reason: "ratios must sum to 1"}
	}
	return nil
}

// Manifest records which tile names went to which subset.
type Manifest struct {
	Train      []string `json:"train"`
	Validation []string `json:"validation"`
	Test       []string `json:"test"`
}

// Len is the number of assigned tiles.
func (m Manifest) Len() int { return len(m.Train) + len(m.Validation) + len(m.Test) }

// Save writes m as indented JSON.
func (m Manifest) Save(fsys fsutil.FileSystem, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return fsys.WriteFile(path, data, 0644)
}

// Split shuffles the .tif tiles present in both <base>/images and
// <base>/labels and copies each pair into <out>/{Train,Validation,Test}.
// Subset sizes are floor(n*train) and floor(n*(train+val)) - floor(n*train);
// the test subset takes the remainder.
//
// A nil rng shuffles from a time-seeded source, so the split differs between
// runs; pass a seeded rng for a reproducible split.
func Split(fsys fsutil.FileSystem, base, out string, r Ratios, rng *rand.Rand) (Manifest, error) {
	if err := r.Validate(); err != nil {
		return Manifest{}, err
	}

	imagesPath, labelsPath := filepath.Join(base, ImagesDir), filepath.Join(base, LabelsDir)
	images, err := fsys.ListFiles(imagesPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("the folders %q or %q do not exist in %s: %w", ImagesDir, LabelsDir, base, err)
	}
	labels, err := fsys.ListFiles(labelsPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("the folders %q or %q do not exist in %s: %w", ImagesDir, LabelsDir, base, err)
	}

	hasLabel := make(map[string]bool)
	for _, n := range fsutil.FilterExt(labels, ".tif") {
		hasLabel[n] = true
	}
	var files []string
	for _, n := range fsutil.FilterExt(images, ".tif") {
		if hasLabel[n] {
			files = append(files, n)
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

	n := float64(len(files))
	trainEnd := int(n * r.Train)
	valEnd := int(n * (r.Train + r.Val))
	m := Manifest{
		Train:      files[:trainEnd],
		Validation: files[trainEnd:valEnd],
		Test:       files[valEnd:],
	}

	for _, sub := range []struct {
		dir   string
		files []string
	}{{TrainDir, m.Train}, {ValidationDir, m.Validation}, {TestDir, m.Test}} {
		for _, kind := range []string{ImagesDir, LabelsDir} {
			if err := fsys.MkdirAll(filepath.Join(out, sub.dir, kind), 0755); err != nil {
				return m, fmt.Errorf("create %s/%s: %w", sub.dir, kind, err)
			}
		}
		for _, name := range sub.files {
			if err := fsutil.CopyFile(fsys, filepath.Join(imagesPath, name), filepath.Join(out, sub.dir, ImagesDir, name)); err != nil {
				return m, err
			}
			if err := fsutil.CopyFile(fsys, filepath.Join(labelsPath, name), filepath.Join(out, sub.dir, LabelsDir, name)); err != nil {
				return m, err
			}
		}
	}

	logf("dataset split completed: %d Train, %d Validation, %d Test", len(m.Train), len(m.Validation), len(m.Test))
	return m, nil
}
