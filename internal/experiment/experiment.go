// Package experiment trains one model per configuration, sequentially, over
// shared loaders and collects the results into a bundle.
package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/store"
	"github.com/banshee-data/canopy/internal/timeutil"
	"github.com/banshee-data/canopy/internal/train"
	"github.com/banshee-data/canopy/internal/version"
)

var logf = monitoring.Component("experiment")

// BundleFile is the result bundle name under model_runs_output.
const BundleFile = "experiment_results.json"

// NotAvailable marks a statistic that could not be computed.
const NotAvailable = "N/A"

// RunResult is the outcome of one configuration.
type RunResult struct {
	RunID string `json:"run_id"`
	Tag   string `json:"experiment_tag"`
	train.Result
	Config       config.ModelConfig `json:"config"`
	Params       string             `json:"params"`
	FLOPs        string             `json:"flops"`
	PeakMemoryMB float64            `json:"peak_memory_MB"`
	Version      string             `json:"version"`
}

// RunStore persists run lifecycle and the per-epoch metrics stream.
// *store.Store implements it.
type RunStore interface {
	train.Sink
	StartRun(ctx context.Context, run *store.Run) error
	FinishRun(ctx context.Context, runID, status string, bestScore float64, epochsRun int) error
}

// ModelBuilder instantiates the model of one configuration. *nn.Registry
// implements it.
type ModelBuilder interface {
	Build(encoder, attention string, inChannels int, seed int64) (nn.Model, error)
}

// Orchestrator runs configurations one after another.
type Orchestrator struct {
	Options    train.Options
	InChannels int
	// ProfileH and ProfileW are the input size used for complexity estimates.
	ProfileH, ProfileW int
	Seed               int64
	Models             ModelBuilder

	Train, Val train.BatchSource
	FS         fsutil.FileSystem
	Store      RunStore
	Clock      timeutil.Clock
	NewRunID   func() string
}

// NewOrchestrator wires cfg to the given loaders. Without a configured seed
// each model is initialised from the clock.
func NewOrchestrator(cfg *config.ExperimentConfig, trainSrc, valSrc train.BatchSource, fsys fsutil.FileSystem) *Orchestrator {
	seed, ok := cfg.GetSeed()
	if !ok {
		seed = time.Now().UnixNano()
	}
	return &Orchestrator{
		Options:    train.OptionsFromConfig(cfg),
		InChannels: cfg.GetInChannels(),
		ProfileH:   512,
		ProfileW:   512,
		Seed:       seed,
		Models:     nn.DefaultRegistry(),
		Train:      trainSrc,
		Val:        valSrc,
		FS:         fsys,
		Clock:      timeutil.RealClock{},
		NewRunID:   uuid.NewString,
	}
}

// Run trains every configuration in order. A failed configuration ends the
// run; results of the configurations before it are returned with the error.
func (o *Orchestrator) Run(ctx context.Context, configs []config.ModelConfig) ([]RunResult, error) {
	results := make([]RunResult, 0, len(configs))
	for _, mc := range configs {
		res, err := o.runOne(ctx, mc)
		if err != nil {
			return results, fmt.Errorf("experiment %s: %w", mc.Tag(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (o *Orchestrator) runOne(ctx context.Context, mc config.ModelConfig) (RunResult, error) {
	models := o.Models
	if models == nil {
		models = nn.DefaultRegistry()
	}
	newID := o.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	tag := mc.Tag()
	res := RunResult{RunID: newID(), Tag: tag, Config: mc, Params: NotAvailable, FLOPs: NotAvailable, Version: version.String()}

	model, err := models.Build(mc.Encoder, mc.DecoderAttention, o.InChannels, o.Seed)
	if err != nil {
		return res, err
	}

	params, macs, err := nn.Complexity(model, o.ProfileH, o.ProfileW)
	if err != nil {
		logf("error computing FLOPs: %v", err)
	} else {
		res.Params = nn.HumanCount(float64(params))
		res.FLOPs = nn.HumanCount(float64(macs))
	}
	logf("experiment %s: params %s, FLOPs %s", tag, res.Params, res.FLOPs)

	if o.Store != nil {
		run := &store.Run{
			RunID:            res.RunID,
			Tag:              tag,
			Encoder:          mc.Encoder,
			DecoderAttention: mc.DecoderAttention,
			OutDir:           mc.OutDir,
		}
		if err := o.Store.StartRun(ctx, run); err != nil {
			return res, fmt.Errorf("record run start: %w", err)
		}
	}

	mem := newPeakMemory()
	tr := train.NewTrainer(o.Options)
	tr.RunID = res.RunID
	tr.Checkpointer = train.FileCheckpointer{FS: o.FS, Dir: mc.OutDir, Tag: tag}
	if o.Store != nil {
		tr.Sink = o.Store
	}
	if o.Clock != nil {
		tr.Clock = o.Clock
	}
	tr.AfterEpoch = func(int) { mem.sample() }

	result, err := tr.Run(ctx, model, o.Train, o.Val)
	res.Result = result
	res.PeakMemoryMB = mem.peakMB()

	if o.Store != nil {
		status := store.StatusCompleted
		if err != nil {
			status = store.StatusFailed
		}
		if ferr := o.Store.FinishRun(ctx, res.RunID, status, result.BestScore, result.EpochsRun); ferr != nil {
			logf("failed to record run %s completion: %v", res.RunID, ferr)
		}
	}
	if err != nil {
		return res, err
	}
	logf("experiment %s finished: best dice %.4f after %d epochs (%s)", tag, result.BestScore, result.EpochsRun, result.StopReason)
	return res, nil
}

// peakMemory tracks the largest in-use heap observed.
type peakMemory struct {
	peak uint64
}

func newPeakMemory() *peakMemory {
	p := &peakMemory{}
	p.sample()
	return p
}

func (p *peakMemory) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p.peak = max(p.peak, ms.HeapInuse)
}

func (p *peakMemory) peakMB() float64 { return float64(p.peak) / (1024 * 1024) }

// SaveBundle writes results as indented JSON, creating the parent directory.
func SaveBundle(fsys fsutil.FileSystem, path string, results []RunResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	logf("results saved to %s", path)
	return nil
}

// LoadBundle reads a bundle written by SaveBundle.
func LoadBundle(fsys fsutil.FileSystem, path string) ([]RunResult, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var results []RunResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	return results, nil
}
