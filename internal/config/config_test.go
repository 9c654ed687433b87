package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultExperimentConfig(t *testing.T) {
	cfg := DefaultExperimentConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.GetEpochs())
	assert.Equal(t, 8, cfg.GetBatchSize())
	assert.Equal(t, 2, cfg.GetNumWorkers())
	assert.Equal(t, 7, cfg.GetPatience())
	assert.Equal(t, 3, cfg.GetLRPatience())
	assert.Equal(t, 0.5, cfg.GetLRFactor())
	assert.Equal(t, 1e-3, cfg.GetLearningRate())
	assert.Equal(t, 1e-4, cfg.GetWeightDecay())
	assert.Equal(t, 1.0, cfg.GetGradClip())
	assert.True(t, cfg.GetMixedPrecision())
	_, seeded := cfg.GetSeed()
	assert.False(t, seeded)

	assert.Equal(t, filepath.Join("/CUSTOM_AMAZON", "Train", "images"), cfg.GetTrainImgDir())
	assert.Equal(t, filepath.Join("/CUSTOM_AMAZON", "Validation", "labels"), cfg.GetValMaskDir())
	assert.Equal(t, filepath.Join("/CUSTOM_AMAZON", "Test", "images"), cfg.GetTestImgDir())

	models := cfg.ModelConfigs()
	require.Len(t, models, 1)
	assert.Equal(t, filepath.Join("results_custom", "resnet18"), models[0].OutDir)
	assert.Equal(t, "resnet18_None", models[0].Tag())
}

func TestLoadExperimentConfig(t *testing.T) {
	path := writeConfig(t, "exp.json", `{
  "data_dir": "/data",
  "model_runs_output": "/runs",
  "epochs": 12,
  "seed": 42,
  "experiments": [
    {"encoder": "resnet18"},
    {"encoder": "mobilenet_v2", "decoder_attention": "scse", "out_dir": "/elsewhere"}
  ]
}`)

	cfg, err := LoadExperimentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.GetEpochs())
	seed, ok := cfg.GetSeed()
	assert.True(t, ok)
	assert.Equal(t, int64(42), seed)

	models := cfg.ModelConfigs()
	require.Len(t, models, 2)
	assert.Equal(t, "/runs/resnet18", models[0].OutDir)
	assert.Equal(t, "/elsewhere", models[1].OutDir)
	assert.Equal(t, "mobilenet_v2_scse", models[1].Tag())
	assert.Equal(t, "/runs/metrics.db", cfg.GetMetricsDB())
}

func TestLoadExperimentConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "exp.json", `{"data_dir": "/data", "epochs": 12, "experiments": [{"encoder": "resnet18"}]}`)
	t.Setenv("EXPERIMENT_EPOCHS", "3")
	t.Setenv("EXPERIMENT_DATA_DIR", "/override")
	t.Setenv("EXPERIMENT_MIXED_PRECISION", "false")

	cfg, err := LoadExperimentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.GetEpochs())
	assert.Equal(t, "/override", cfg.GetDataDir())
	assert.False(t, cfg.GetMixedPrecision())
}

func TestLoadExperimentConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "exp.yaml", `{}`},
		{"bad json", "exp.json", `{`},
		{"unknown field", "exp.json", `{"data_dir": "/d", "bogus": 1, "experiments": [{"encoder": "resnet18"}]}`},
		{"no experiments", "exp.json", `{"data_dir": "/d"}`},
		{"missing encoder", "exp.json", `{"data_dir": "/d", "experiments": [{"out_dir": "x"}]}`},
		{"zero epochs", "exp.json", `{"data_dir": "/d", "epochs": 0, "experiments": [{"encoder": "resnet18"}]}`},
		{"bad lr factor", "exp.json", `{"data_dir": "/d", "lr_factor": 1.5, "experiments": [{"encoder": "resnet18"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadExperimentConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvLookup_CaseInsensitive(t *testing.T) {
	lookup := envLookup([]string{"experiment_epochs=4", "Experiment_Data_Dir=/mixed", "EXPERIMENT_SEED=9", "experiment_seed=1", "BROKEN"})

	v, ok := lookup("EXPERIMENT_EPOCHS")
	assert.True(t, ok)
	assert.Equal(t, "4", v)
	v, ok = lookup("EXPERIMENT_SEED")
	assert.True(t, ok)
	assert.Equal(t, "9", v, "exact name wins")
	_, ok = lookup("EXPERIMENT_BATCH_SIZE")
	assert.False(t, ok)

	cfg := &ExperimentConfig{}
	require.NoError(t, applyEnvOverrides(ExperimentEnvPrefix, cfg, lookup))
	assert.Equal(t, 4, cfg.GetEpochs())
	assert.Equal(t, "/mixed", cfg.GetDataDir())
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	cfg := &ExperimentConfig{}
	lookup := func(key string) (string, bool) {
		if key == "EXPERIMENT_BATCH_SIZE" {
			return "eight", true
		}
		return "", false
	}
	err := applyEnvOverrides(ExperimentEnvPrefix, cfg, lookup)
	assert.Error(t, err)
	assert.Nil(t, cfg.BatchSize)
}

func TestPrepConfig_DefaultsAndValidate(t *testing.T) {
	cfg := &PrepConfig{
		SentinelImagesFolder: ptrString("/in"),
		SentinelOutputFolder: ptrString("/out"),
		LabelRasterPath:      ptrString("/prodes.tif"),
		TilesOutputFolder:    ptrString("/tiles"),
		DatasetFolder:        ptrString("/dataset"),
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100.0, cfg.GetForestValue())
	assert.Equal(t, 512, cfg.GetTileSize())
	assert.Equal(t, "EPSG:4674", cfg.GetTargetCRS())
	assert.Equal(t, 0.000269, cfg.GetTargetResolution())
	assert.Equal(t, []string{"B02", "B03", "B04", "B08"}, cfg.GetBands())
	assert.True(t, cfg.GetFast())
	tr, vr, te := cfg.GetRatios()
	assert.Equal(t, []float64{0.8, 0.15, 0.05}, []float64{tr, vr, te})

	cfg.TrainRatio = ptrFloat64(0.9)
	assert.Error(t, cfg.Validate())

	cfg.TrainRatio = nil
	cfg.DatasetFolder = nil
	assert.Error(t, cfg.Validate())
}

func TestLoadPrepConfig(t *testing.T) {
	path := writeConfig(t, "prep.json", `{
  "sentinel_images_folder": "/in",
  "sentinel_output_folder": "/out",
  "label_raster_path": "/prodes.tif",
  "tiles_output_folder": "/tiles",
  "dataset_folder": "/dataset",
  "fast": false,
  "bands": ["B04", "B08"]
}`)
	t.Setenv("PREP_TILE_SIZE", "256")

	cfg, err := LoadPrepConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.GetTileSize())
	assert.False(t, cfg.GetFast())
	assert.Equal(t, []string{"B04", "B08"}, cfg.GetBands())
}
