package train

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/dataset"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/timeutil"
)

var logf = monitoring.Component("train")

// State is the trainer lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateTraining
	StateValidating
	// StateConverged means early stopping fired.
	StateConverged
	// StateStopped means the context was cancelled or an epoch failed.
	StateStopped
	// StateExhausted means every budgeted epoch ran.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateValidating:
		return "validating"
	case StateConverged:
		return "converged"
	case StateStopped:
		return "stopped"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for c := StateIdle; c <= StateExhausted; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown trainer state %q", text)
}

// BatchSource streams the batches of one epoch. *dataset.Loader implements it.
type BatchSource interface {
	Batches(ctx context.Context, epoch int) (<-chan dataset.Batch, func() error)
	Len() int
}

// Checkpointer persists the weights of a new best model.
type Checkpointer interface {
	Save(m nn.Model) error
}

// FileCheckpointer writes best_model_<Tag>.ckpt under Dir.
type FileCheckpointer struct {
	FS  fsutil.FileSystem
	Dir string
	Tag string
}

func (c FileCheckpointer) Save(m nn.Model) error {
	return nn.SaveCheckpoint(c.FS, nn.CheckpointPath(c.Dir, c.Tag), m)
}

// Sink receives the records of every completed epoch.
type Sink interface {
	RecordEpoch(ctx context.Context, runID string, epoch int, train, val EpochRecord) error
}

// Options are the hyperparameters of one training run.
type Options struct {
	Epochs         int
	Patience       int
	LearningRate   float64
	WeightDecay    float64
	LRPatience     int
	LRFactor       float64
	GradClip       float64
	BCEWeight      float64
	DiceWeight     float64
	MixedPrecision bool
}

// DefaultOptions matches the defaults of config.ExperimentConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(&config.ExperimentConfig{})
}

// OptionsFromConfig reads the training section of cfg.
func OptionsFromConfig(cfg *config.ExperimentConfig) Options {
	return Options{
		Epochs:         cfg.GetEpochs(),
		Patience:       cfg.GetPatience(),
		LearningRate:   cfg.GetLearningRate(),
		WeightDecay:    cfg.GetWeightDecay(),
		LRPatience:     cfg.GetLRPatience(),
		LRFactor:       cfg.GetLRFactor(),
		GradClip:       cfg.GetGradClip(),
		BCEWeight:      cfg.GetBCEWeight(),
		DiceWeight:     cfg.GetDiceWeight(),
		MixedPrecision: cfg.GetMixedPrecision(),
	}
}

// Result summarises a run. Train and Val hold one record per epoch run.
type Result struct {
	BestScore    float64       `json:"best_dice"`
	EpochTimes   []float64     `json:"epoch_times"`
	TotalTime    float64       `json:"total_time"`
	AvgEpochTime float64       `json:"avg_epoch_time"`
	EpochsRun    int           `json:"epochs_run"`
	Train        []EpochRecord `json:"epoch_train_metrics"`
	Val          []EpochRecord `json:"epoch_val_metrics"`
	StopReason   State         `json:"stop_reason"`
}

// Trainer runs the epoch loop.
type Trainer struct {
	Options

	RunID        string
	Checkpointer Checkpointer
	Sink         Sink
	Clock        timeutil.Clock
	// NewMetrics builds a fresh metric set per phase per epoch. Defaults to
	// DefaultMetrics.
	NewMetrics func() *Metrics
	// AfterEpoch runs once both phases of an epoch complete.
	AfterEpoch func(epoch int)

	state atomic.Int32
}

// NewTrainer returns a trainer with the real clock.
func NewTrainer(opts Options) *Trainer {
	return &Trainer{Options: opts, Clock: timeutil.RealClock{}, NewMetrics: DefaultMetrics}
}

// State reports where the trainer is in its lifecycle.
func (t *Trainer) State() State { return State(t.state.Load()) }

func (t *Trainer) setState(s State) { t.state.Store(int32(s)) }

// Run trains model for up to Epochs epochs. After each epoch the model is
// checkpointed when the validation GeneralizedDice strictly beats the best so
// far; Patience epochs without improvement stop the run. On return the model
// holds the best weights seen.
func (t *Trainer) Run(ctx context.Context, model nn.Model, train, val BatchSource) (Result, error) {
	if t.Epochs <= 0 {
		return Result{}, fmt.Errorf("epochs must be positive, got %d", t.Epochs)
	}
	clock := t.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var (
		res       Result
		best      nn.StateDict
		noImprove int
		lossFn    = NewDiceBCELoss(t.BCEWeight, t.DiceWeight)
		opt       = NewAdam(t.LearningRate, t.WeightDecay)
		sched     = NewReduceLROnPlateau(t.LRFactor, t.LRPatience)
		scaler    = NewGradScaler(t.MixedPrecision)
	)
	res.StopReason = StateExhausted
	t.setState(StateIdle)

	finish := func(err error) (Result, error) {
		if best != nil {
			if lerr := nn.Load(model, best, true); lerr != nil {
				err = errors.Join(err, fmt.Errorf("restore best weights: %w", lerr))
			}
		}
		res.EpochsRun = len(res.Val)
		for _, d := range res.EpochTimes {
			res.TotalTime += d
		}
		if n := len(res.EpochTimes); n > 0 {
			res.AvgEpochTime = res.TotalTime / float64(n)
		}
		t.setState(res.StopReason)
		return res, err
	}

	for epoch := 0; epoch < t.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			res.StopReason = StateStopped
			return finish(err)
		}
		start := clock.Now()

		t.setState(StateTraining)
		trainRec, err := t.runPhase(ctx, model, train, epoch, true, lossFn, opt, scaler)
		if err != nil {
			res.StopReason = StateStopped
			return finish(fmt.Errorf("epoch %d training: %w", epoch+1, err))
		}
		t.setState(StateValidating)
		valRec, err := t.runPhase(ctx, model, val, epoch, false, lossFn, nil, nil)
		if err != nil {
			res.StopReason = StateStopped
			return finish(fmt.Errorf("epoch %d validation: %w", epoch+1, err))
		}

		res.Train = append(res.Train, trainRec)
		res.Val = append(res.Val, valRec)
		trainScore, _ := trainRec.Get(MonitorMetric)
		score, _ := valRec.Get(MonitorMetric)
		logf("epoch %d: train loss %.4f dice %.4f | val loss %.4f dice %.4f",
			epoch+1, trainRec.Loss, trainScore, valRec.Loss, score)
		if t.Sink != nil {
			if err := t.Sink.RecordEpoch(ctx, t.RunID, epoch, trainRec, valRec); err != nil {
				logf("failed to record epoch %d: %v", epoch+1, err)
			}
		}
		if t.AfterEpoch != nil {
			t.AfterEpoch(epoch)
		}

		if score > res.BestScore {
			res.BestScore = score
			best = nn.Snapshot(model)
			noImprove = 0
			if t.Checkpointer != nil {
				if err := t.Checkpointer.Save(model); err != nil {
					res.StopReason = StateStopped
					return finish(fmt.Errorf("checkpoint epoch %d: %w", epoch+1, err))
				}
			}
		} else {
			noImprove++
			if noImprove == t.Patience {
				logf("early stopping at epoch %d", epoch+1)
				res.StopReason = StateConverged
				break
			}
		}

		if sched.Step(valRec.Loss, opt) {
			logf("reducing learning rate to %g", opt.LR())
		}
		res.EpochTimes = append(res.EpochTimes, clock.Since(start).Seconds())
	}
	return finish(nil)
}

func (t *Trainer) runPhase(ctx context.Context, model nn.Model, src BatchSource, epoch int, training bool,
	lossFn DiceBCELoss, opt Optimizer, scaler *GradScaler) (EpochRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	newMetrics := t.NewMetrics
	if newMetrics == nil {
		newMetrics = DefaultMetrics
	}
	metrics := newMetrics()
	params := model.Params()

	var cast nn.CastFunc
	if training && t.MixedPrecision {
		cast = Half
	}

	var total float64
	batches := 0
	ch, wait := src.Batches(ctx, epoch)
	for b := range ch {
		logits := model.Forward(b.Images, cast)
		loss, grad, err := lossFn.Forward(logits, b.Masks)
		if err != nil {
			cancel()
			return EpochRecord{}, errors.Join(err, drainBatches(ch, wait))
		}
		if training {
			scaler.ScaleLoss(grad)
			model.Backward(grad)
			finite := scaler.Unscale(params)
			if finite {
				ClipGradNorm(params, t.GradClip)
			}
			scaler.Step(opt, params, finite)
			scaler.Update(finite)
			nn.ZeroGrad(model)
		}
		metrics.Update(threshold(logits), b.Masks.Data)
		total += loss
		batches++
	}
	if err := wait(); err != nil {
		return EpochRecord{}, err
	}
	if batches == 0 {
		return EpochRecord{}, fmt.Errorf("no batches")
	}
	return metrics.Snapshot(total / float64(batches)), nil
}

// drainBatches empties ch after cancellation and returns the loader error,
// ignoring the cancellation itself.
func drainBatches(ch <-chan dataset.Batch, wait func() error) error {
	for range ch {
	}
	if err := wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// threshold maps logits to {0,1} at sigmoid 0.5, that is logit 0.
func threshold(logits *nn.Tensor) []float32 {
	out := make([]float32, len(logits.Data))
	for i, v := range logits.Data {
		if v > 0 {
			out[i] = 1
		}
	}
	return out
}
