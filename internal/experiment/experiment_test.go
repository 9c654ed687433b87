package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/dataset"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/store"
	"github.com/banshee-data/canopy/internal/timeutil"
	"github.com/banshee-data/canopy/internal/train"
)

func init() {
	monitoring.SetLogger(nil)
}

type staticSource struct {
	batches []dataset.Batch
}

func (s staticSource) Len() int { return len(s.batches) }

func (s staticSource) Batches(ctx context.Context, _ int) (<-chan dataset.Batch, func() error) {
	ch := make(chan dataset.Batch)
	done := make(chan error, 1)
	go func() {
		defer close(ch)
		for _, b := range s.batches {
			select {
			case ch <- b:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
		done <- nil
	}()
	return ch, func() error { return <-done }
}

func randomSource(seed int64) staticSource {
	rng := rand.New(rand.NewSource(seed))
	b := dataset.Batch{Names: []string{"a", "b"}, Images: nn.NewTensor(2, 4, 4, 4), Masks: nn.NewTensor(2, 1, 4, 4)}
	for i := range b.Images.Data {
		b.Images.Data[i] = float32(rng.Float64())
	}
	for i := range b.Masks.Data {
		if rng.Float64() < 0.5 {
			b.Masks.Data[i] = 1
		}
	}
	return staticSource{batches: []dataset.Batch{b}}
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	orch  *Orchestrator
	fsys  *fsutil.MemoryFileSystem
	store *store.Store
}

func newFixture(t *testing.T, epochs int) *fixture {
	t.Helper()
	cfg := &config.ExperimentConfig{Epochs: ptr(epochs), Seed: ptr(int64(3)), MixedPrec: ptr(false)}
	src := randomSource(1)
	fsys := fsutil.NewMemoryFileSystem()

	db, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := NewOrchestrator(cfg, src, src, fsys)
	o.ProfileH, o.ProfileW = 8, 8
	o.Store = db
	o.Clock = timeutil.NewMockClock(time.Unix(1700000000, 0))
	n := 0
	o.NewRunID = func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return &fixture{orch: o, fsys: fsys, store: db}
}

func TestOrchestrator_RunsEveryConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	configs := []config.ModelConfig{
		{Encoder: "resnet18", OutDir: "/results/resnet18"},
		{Encoder: "mobilenet_v2", DecoderAttention: "scse", OutDir: "/results/mobilenet_v2"},
	}
	results, err := f.orch.Run(context.Background(), configs)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "resnet18_None", results[0].Tag)
	assert.Equal(t, "mobilenet_v2_scse", results[1].Tag)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("run-%d", i+1), r.RunID)
		assert.NotEqual(t, NotAvailable, r.Params)
		assert.NotEqual(t, NotAvailable, r.FLOPs)
		assert.Positive(t, r.PeakMemoryMB)
		assert.Equal(t, 2, r.EpochsRun)
		assert.Len(t, r.Val, 2)
		assert.Equal(t, configs[i], r.Config)
	}
	if results[0].BestScore > 0 {
		assert.True(t, f.fsys.Exists(nn.CheckpointPath("/results/resnet18", "resnet18_None")))
	}

	runs, err := f.store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, store.StatusCompleted, r.Status)
		assert.Equal(t, 2, r.EpochsRun)
	}
	metrics, err := f.store.EpochMetrics(context.Background(), "run-1")
	require.NoError(t, err)
	// Two epochs, two phases, loss plus five metrics.
	assert.Len(t, metrics, 2*2*6)
}

func TestOrchestrator_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	results, err := f.orch.Run(context.Background(), []config.ModelConfig{
		{Encoder: "resnet18", OutDir: "/results/a"},
		{Encoder: "vgg99", OutDir: "/results/b"},
		{Encoder: "resnet34", OutDir: "/results/c"},
	})
	require.ErrorIs(t, err, nn.ErrUnknownEncoder)
	assert.Contains(t, err.Error(), "vgg99_None")
	require.Len(t, results, 1)

	runs, err := f.store.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOrchestrator_TrainingFailureMarksRunFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.orch.Train = staticSource{}
	_, err := f.orch.Run(context.Background(), []config.ModelConfig{{Encoder: "resnet18", OutDir: "/r"}})
	require.Error(t, err)

	runs, err := f.store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFailed, runs[0].Status)
}

// opaqueModel cannot report its compute cost.
type opaqueModel struct{}

func (opaqueModel) Name() string { return "opaque" }
func (opaqueModel) Forward(x *nn.Tensor, _ nn.CastFunc) *nn.Tensor {
	return nn.NewTensor(x.N(), 1, x.H(), x.W())
}
func (opaqueModel) Backward(*nn.Tensor) {}
func (opaqueModel) Params() []*nn.Param { return nil }

type opaqueBuilder struct{}

func (opaqueBuilder) Build(string, string, int, int64) (nn.Model, error) { return opaqueModel{}, nil }

func TestOrchestrator_ComplexityUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.orch.Models = opaqueBuilder{}
	f.orch.Store = nil
	results, err := f.orch.Run(context.Background(), []config.ModelConfig{{Encoder: "custom", OutDir: "/r"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, NotAvailable, results[0].Params)
	assert.Equal(t, NotAvailable, results[0].FLOPs)
}

func TestBundle_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	results, err := f.orch.Run(context.Background(), []config.ModelConfig{{Encoder: "resnet18", OutDir: "/results/resnet18"}})
	require.NoError(t, err)

	path := filepath.Join("/results", BundleFile)
	require.NoError(t, SaveBundle(f.fsys, path, results))
	loaded, err := LoadBundle(f.fsys, path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(results, loaded))

	data, err := f.fsys.ReadFile(path)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"experiment_tag", "best_dice", "epoch_times", "total_time", "avg_epoch_time",
		"epoch_train_metrics", "epoch_val_metrics", "params", "flops", "peak_memory_MB", "config"} {
		assert.Contains(t, raw[0], key)
	}

	_, err = LoadBundle(f.fsys, "/missing.json")
	assert.Error(t, err)
}

func TestSaveBundle_NonFiniteLoss(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("/results", 0755))
	res := RunResult{RunID: "run-1", Tag: "resnet18_None"}
	res.Train = []train.EpochRecord{{Loss: math.NaN(), Metrics: []train.MetricValue{{Name: "GeneralizedDice", Value: 0.4}}}}
	res.Val = []train.EpochRecord{{Loss: 0.8, Metrics: []train.MetricValue{{Name: "GeneralizedDice", Value: 0.5}}}}

	path := filepath.Join("/results", BundleFile)
	require.NoError(t, SaveBundle(fsys, path, []RunResult{res}))
	loaded, err := LoadBundle(fsys, path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Len(t, loaded[0].Train, 1)
	assert.True(t, math.IsNaN(loaded[0].Train[0].Loss))
	assert.Equal(t, 0.8, loaded[0].Val[0].Loss)
}
