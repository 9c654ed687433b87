package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ModelConfig is one encoder/decoder configuration to train. It is treated as
// immutable once loaded.
type ModelConfig struct {
	Encoder          string `json:"encoder"`
	DecoderAttention string `json:"decoder_attention,omitempty"`
	OutDir           string `json:"out_dir,omitempty"`
}

// Tag names checkpoints and runs: "<encoder>_<attention>", with "None" when
// the decoder has no attention block.
func (m ModelConfig) Tag() string {
	att := m.DecoderAttention
	if att == "" {
		att = "None"
	}
	return m.Encoder + "_" + att
}

// ExperimentConfig drives cmd/train.
type ExperimentConfig struct {
	DataDir         *string `json:"data_dir,omitempty"`
	ModelRunsOutput *string `json:"model_runs_output,omitempty"`
	TrainImgDir     *string `json:"train_img_dir,omitempty"`
	TrainMaskDir    *string `json:"train_mask_dir,omitempty"`
	ValImgDir       *string `json:"val_img_dir,omitempty"`
	ValMaskDir      *string `json:"val_mask_dir,omitempty"`
	TestImgDir      *string `json:"test_img_dir,omitempty"`
	TestMaskDir     *string `json:"test_mask_dir,omitempty"`
	MetricsDB       *string `json:"metrics_db,omitempty"`

	Epochs       *int     `json:"epochs,omitempty"`
	BatchSize    *int     `json:"batch_size,omitempty"`
	NumWorkers   *int     `json:"num_workers,omitempty"`
	InChannels   *int     `json:"in_channels,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	WeightDecay  *float64 `json:"weight_decay,omitempty"`
	Patience     *int     `json:"patience,omitempty"`
	LRPatience   *int     `json:"lr_patience,omitempty"`
	LRFactor     *float64 `json:"lr_factor,omitempty"`
	GradClip     *float64 `json:"grad_clip,omitempty"`
	BCEWeight    *float64 `json:"bce_weight,omitempty"`
	DiceWeight   *float64 `json:"dice_weight,omitempty"`
	MixedPrec    *bool    `json:"mixed_precision,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`

	Experiments []ModelConfig `json:"experiments,omitempty"`
}

// DefaultExperimentConfig returns the configuration of the second experiment
// run: the custom tile corpus with a single resnet18 configuration.
func DefaultExperimentConfig() *ExperimentConfig {
	return &ExperimentConfig{
		DataDir:         ptrString("/CUSTOM_AMAZON"),
		ModelRunsOutput: ptrString("results_custom"),
		Epochs:          ptrInt(50),
		MixedPrec:       ptrBool(true),
		Experiments: []ModelConfig{
			{Encoder: "resnet18"},
		},
	}
}

// LoadExperimentConfig loads an ExperimentConfig from a JSON file, applies
// EXPERIMENT_* env overrides and validates the result.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &ExperimentConfig{}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := applyEnvOverrides(ExperimentEnvPrefix, cfg, envLookup(os.Environ())); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ExperimentConfig) Validate() error {
	if c.GetDataDir() == "" && (c.TrainImgDir == nil || c.ValImgDir == nil) {
		return fmt.Errorf("data_dir or explicit train/val dirs are required")
	}
	if len(c.Experiments) == 0 {
		return fmt.Errorf("at least one experiment configuration is required")
	}
	for i, m := range c.Experiments {
		if m.Encoder == "" {
			return fmt.Errorf("experiments[%d]: encoder is required", i)
		}
	}
	positive := map[string]*int{
		"epochs":      c.Epochs,
		"batch_size":  c.BatchSize,
		"patience":    c.Patience,
		"lr_patience": c.LRPatience,
		"in_channels": c.InChannels,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.NumWorkers != nil && *c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be non-negative, got %d", *c.NumWorkers)
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", *c.LearningRate)
	}
	if c.LRFactor != nil && (*c.LRFactor <= 0 || *c.LRFactor >= 1) {
		return fmt.Errorf("lr_factor must be in (0,1), got %f", *c.LRFactor)
	}
	if c.GradClip != nil && *c.GradClip <= 0 {
		return fmt.Errorf("grad_clip must be positive, got %f", *c.GradClip)
	}
	if c.GetBCEWeight() < 0 || c.GetDiceWeight() < 0 || c.GetBCEWeight()+c.GetDiceWeight() == 0 {
		return fmt.Errorf("loss weights must be non-negative and not both zero")
	}
	return nil
}

func (c *ExperimentConfig) str(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// GetDataDir returns the split root.
func (c *ExperimentConfig) GetDataDir() string { return c.str(c.DataDir, "") }

// GetModelRunsOutput returns the directory holding per-config outputs and the result bundle.
func (c *ExperimentConfig) GetModelRunsOutput() string { return c.str(c.ModelRunsOutput, "results") }

func (c *ExperimentConfig) splitDir(p *string, subset, kind string) string {
	if p != nil {
		return *p
	}
	return filepath.Join(c.GetDataDir(), subset, kind)
}

// GetTrainImgDir defaults to <data_dir>/Train/images.
func (c *ExperimentConfig) GetTrainImgDir() string { return c.splitDir(c.TrainImgDir, "Train", "images") }

// GetTrainMaskDir defaults to <data_dir>/Train/labels.
func (c *ExperimentConfig) GetTrainMaskDir() string {
	return c.splitDir(c.TrainMaskDir, "Train", "labels")
}

// GetValImgDir defaults to <data_dir>/Validation/images.
func (c *ExperimentConfig) GetValImgDir() string {
	return c.splitDir(c.ValImgDir, "Validation", "images")
}

// GetValMaskDir defaults to <data_dir>/Validation/labels.
func (c *ExperimentConfig) GetValMaskDir() string {
	return c.splitDir(c.ValMaskDir, "Validation", "labels")
}

// GetTestImgDir defaults to <data_dir>/Test/images.
func (c *ExperimentConfig) GetTestImgDir() string { return c.splitDir(c.TestImgDir, "Test", "images") }

// GetTestMaskDir defaults to <data_dir>/Test/labels.
func (c *ExperimentConfig) GetTestMaskDir() string { return c.splitDir(c.TestMaskDir, "Test", "labels") }

// GetMetricsDB returns the SQLite path of the metrics stream.
func (c *ExperimentConfig) GetMetricsDB() string {
	return c.str(c.MetricsDB, filepath.Join(c.GetModelRunsOutput(), "metrics.db"))
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// GetEpochs returns the epoch budget.
func (c *ExperimentConfig) GetEpochs() int { return intOr(c.Epochs, 50) }

// GetBatchSize returns the loader batch size.
func (c *ExperimentConfig) GetBatchSize() int { return intOr(c.BatchSize, 8) }

// GetNumWorkers returns the number of loader workers.
func (c *ExperimentConfig) GetNumWorkers() int { return intOr(c.NumWorkers, 2) }

// GetInChannels returns the number of image bands fed to the model.
func (c *ExperimentConfig) GetInChannels() int { return intOr(c.InChannels, 4) }

// GetLearningRate returns the initial Adam step size.
func (c *ExperimentConfig) GetLearningRate() float64 { return floatOr(c.LearningRate, 1e-3) }

// GetWeightDecay returns the Adam L2 penalty.
func (c *ExperimentConfig) GetWeightDecay() float64 { return floatOr(c.WeightDecay, 1e-4) }

// GetPatience returns the early-stopping patience in epochs.
func (c *ExperimentConfig) GetPatience() int { return intOr(c.Patience, 7) }

// GetLRPatience returns the plateau scheduler patience in epochs.
func (c *ExperimentConfig) GetLRPatience() int { return intOr(c.LRPatience, 3) }

// GetLRFactor returns the plateau scheduler reduction factor.
func (c *ExperimentConfig) GetLRFactor() float64 { return floatOr(c.LRFactor, 0.5) }

// GetGradClip returns the max global gradient norm.
func (c *ExperimentConfig) GetGradClip() float64 { return floatOr(c.GradClip, 1.0) }

// GetBCEWeight returns the BCE weight of the combined loss.
func (c *ExperimentConfig) GetBCEWeight() float64 { return floatOr(c.BCEWeight, 0.5) }

// GetDiceWeight returns the Dice weight of the combined loss.
func (c *ExperimentConfig) GetDiceWeight() float64 { return floatOr(c.DiceWeight, 0.5) }

// GetMixedPrecision reports whether training runs under float16 autocast.
func (c *ExperimentConfig) GetMixedPrecision() bool {
	if c.MixedPrec == nil {
		return true
	}
	return *c.MixedPrec
}

// GetSeed returns the seed and whether one was configured.
func (c *ExperimentConfig) GetSeed() (int64, bool) {
	if c.Seed == nil {
		return 0, false
	}
	return *c.Seed, true
}

// ModelConfigs returns the experiments with OutDir resolved against
// model_runs_output when left empty.
func (c *ExperimentConfig) ModelConfigs() []ModelConfig {
	out := make([]ModelConfig, len(c.Experiments))
	for i, m := range c.Experiments {
		if m.OutDir == "" {
			m.OutDir = filepath.Join(c.GetModelRunsOutput(), m.Encoder)
		}
		out[i] = m
	}
	return out
}
