package config

import (
	"fmt"
	"math"
	"os"
)

// PrepConfig drives cmd/prep: scene alignment, label clipping, tiling and
// the dataset split.
type PrepConfig struct {
	SentinelImagesFolder *string  `json:"sentinel_images_folder,omitempty"`
	SentinelOutputFolder *string  `json:"sentinel_output_folder,omitempty"`
	LabelRasterPath      *string  `json:"label_raster_path,omitempty"`
	TilesOutputFolder    *string  `json:"tiles_output_folder,omitempty"`
	DatasetFolder        *string  `json:"dataset_folder,omitempty"`
	ForestValue          *float64 `json:"forest_value,omitempty"`
	TileSize             *int     `json:"tile_size,omitempty"`
	TargetCRS            *string  `json:"target_crs,omitempty"`
	TargetResolution     *float64 `json:"target_resolution,omitempty"`
	BandSuffix           *string  `json:"band_suffix,omitempty"`
	Fast                 *bool    `json:"fast,omitempty"`
	TrainRatio           *float64 `json:"train_ratio,omitempty"`
	ValRatio             *float64 `json:"val_ratio,omitempty"`
	TestRatio            *float64 `json:"test_ratio,omitempty"`
	Seed                 *int64   `json:"seed,omitempty"`

	Bands []string `json:"bands,omitempty"`
}

// DefaultBands are the Sentinel-2 10 m bands: blue, green, red, near-infrared.
var DefaultBands = []string{"B02", "B03", "B04", "B08"}

// LoadPrepConfig loads a PrepConfig from a JSON file, applies PREP_* env
// overrides and validates the result.
func LoadPrepConfig(path string) (*PrepConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &PrepConfig{}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := applyEnvOverrides(PrepEnvPrefix, cfg, envLookup(os.Environ())); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required paths and numeric ranges. Split ratio validation
// is repeated by the splitter itself, which reports it as a typed error.
func (c *PrepConfig) Validate() error {
	required := map[string]*string{
		"sentinel_images_folder": c.SentinelImagesFolder,
		"sentinel_output_folder": c.SentinelOutputFolder,
		"label_raster_path":      c.LabelRasterPath,
		"tiles_output_folder":    c.TilesOutputFolder,
		"dataset_folder":         c.DatasetFolder,
	}
	for name, v := range required {
		if v == nil || *v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.GetTileSize() <= 0 {
		return fmt.Errorf("tile_size must be positive, got %d", c.GetTileSize())
	}
	if c.GetTargetResolution() <= 0 {
		return fmt.Errorf("target_resolution must be positive, got %f", c.GetTargetResolution())
	}
	tr, vr, te := c.GetRatios()
	if math.Abs(tr+vr+te-1) > 1e-6 {
		return fmt.Errorf("split ratios must sum to 1, got %g+%g+%g", tr, vr, te)
	}
	return nil
}

func strOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// GetSentinelImagesFolder returns the folder of per-scene band folders.
func (c *PrepConfig) GetSentinelImagesFolder() string { return strOr(c.SentinelImagesFolder, "") }

// GetSentinelOutputFolder returns where aligned scenes are written.
func (c *PrepConfig) GetSentinelOutputFolder() string { return strOr(c.SentinelOutputFolder, "") }

// GetLabelRasterPath returns the categorical label raster.
func (c *PrepConfig) GetLabelRasterPath() string { return strOr(c.LabelRasterPath, "") }

// GetTilesOutputFolder returns the tile root ({images,labels}).
func (c *PrepConfig) GetTilesOutputFolder() string { return strOr(c.TilesOutputFolder, "") }

// GetDatasetFolder returns the split root ({Train,Validation,Test}/{images,labels}).
func (c *PrepConfig) GetDatasetFolder() string { return strOr(c.DatasetFolder, "") }

// GetForestValue returns the label category mapped to the foreground class.
func (c *PrepConfig) GetForestValue() float64 { return floatOr(c.ForestValue, 100) }

// GetTileSize returns the tile edge length in pixels.
func (c *PrepConfig) GetTileSize() int { return intOr(c.TileSize, 512) }

// GetTargetCRS returns the CRS every scene is warped into.
func (c *PrepConfig) GetTargetCRS() string { return strOr(c.TargetCRS, "EPSG:4674") }

// GetTargetResolution returns the destination pixel size in target CRS units.
func (c *PrepConfig) GetTargetResolution() float64 { return floatOr(c.TargetResolution, 0.000269) }

// GetBandSuffix returns the filename suffix following the band code.
func (c *PrepConfig) GetBandSuffix() string { return strOr(c.BandSuffix, "_10m.jp2") }

// GetFast reports whether scenes are stacked without reprojection.
func (c *PrepConfig) GetFast() bool {
	if c.Fast == nil {
		return true
	}
	return *c.Fast
}

// GetBands returns the expected band codes in output order.
func (c *PrepConfig) GetBands() []string {
	if len(c.Bands) == 0 {
		return append([]string(nil), DefaultBands...)
	}
	return append([]string(nil), c.Bands...)
}

// GetRatios returns the train/validation/test split ratios.
func (c *PrepConfig) GetRatios() (train, val, test float64) {
	return floatOr(c.TrainRatio, 0.8), floatOr(c.ValRatio, 0.15), floatOr(c.TestRatio, 0.05)
}

// GetSeed returns the split seed and whether one was configured.
func (c *PrepConfig) GetSeed() (int64, bool) {
	if c.Seed == nil {
		return 0, false
	}
	return *c.Seed, true
}
