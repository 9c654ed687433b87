package store

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/timeutil"
	"github.com/banshee-data/canopy/internal/train"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) (*Store, *timeutil.MockClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	s.Clock = clock
	return s, clock
}

func record(loss, dice float64) train.EpochRecord {
	return train.EpochRecord{Loss: loss, Metrics: []train.MetricValue{{Name: "GeneralizedDice", Value: dice}, {Name: "IoU", Value: dice / 2}}}
}

func TestOpen_AppliesPragmasAndMigrations(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)

	var journal string
	require.NoError(t, s.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
	var fk int
	require.NoError(t, s.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s, clock := openTestStore(t)
	ctx := context.Background()

	run := &Run{RunID: "r1", Tag: "resnet18_None", Encoder: "resnet18", OutDir: "results/resnet18"}
	require.NoError(t, s.StartRun(ctx, run))
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, s.RecordEpoch(ctx, "r1", 0, record(0.9, 0.4), record(0.8, 0.5)))
	clock.Advance(time.Minute)
	require.NoError(t, s.RecordEpoch(ctx, "r1", 1, record(0.7, 0.6), record(math.NaN(), 0.7)))
	assert.Error(t, s.RecordEpoch(ctx, "r1", 1, record(0.7, 0.6), record(0.6, 0.7)), "epochs are append-only")
	assert.Error(t, s.RecordEpoch(ctx, "missing", 0, record(0, 0), record(0, 0)))

	clock.Advance(time.Minute)
	require.NoError(t, s.FinishRun(ctx, "r1", StatusCompleted, 0.7, 2))
	assert.ErrorIs(t, s.FinishRun(ctx, "nope", StatusFailed, 0, 0), ErrRunNotFound)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	require.NotNil(t, runs[0].BestScore)
	assert.Equal(t, 0.7, *runs[0].BestScore)
	assert.Equal(t, 2, runs[0].EpochsRun)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, 2*time.Minute, runs[0].FinishedAt.Sub(runs[0].StartedAt))

	metrics, err := s.EpochMetrics(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, metrics, 12)
	assert.Equal(t, EpochMetric{RunID: "r1", Epoch: 0, Phase: PhaseTrain, Name: "loss", Value: 0.9, RecordedAt: metrics[0].RecordedAt}, metrics[0])
	assert.Equal(t, PhaseVal, metrics[3].Phase)
	assert.Equal(t, "loss", metrics[9].Name)
	assert.True(t, math.IsNaN(metrics[9].Value))
}

func TestRecords(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, &Run{RunID: "r1", Tag: "resnet18_None", Encoder: "resnet18"}))
	require.NoError(t, s.RecordEpoch(ctx, "r1", 0, record(0.9, 0.4), record(0.8, 0.5)))
	require.NoError(t, s.RecordEpoch(ctx, "r1", 1, record(0.7, 0.6), record(0.6, 0.7)))

	trainRecs, valRecs, err := s.Records(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []train.EpochRecord{record(0.9, 0.4), record(0.7, 0.6)}, trainRecs)
	assert.Equal(t, []train.EpochRecord{record(0.8, 0.5), record(0.6, 0.7)}, valRecs)

	trainRecs, valRecs, err = s.Records(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, trainRecs)
	assert.Empty(t, valRecs)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, &Run{RunID: "r1", Tag: "resnet18_None", Encoder: "resnet18"}))
	require.NoError(t, s.RecordEpoch(ctx, "r1", 0, record(math.Inf(1), 0.4), record(0.8, 0.5)))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))
	for _, path := range []string{"/debug/runs", "/debug/tailsql/"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		// Debug access may be refused off-tailnet, but the route must exist.
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}

	get := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.handleRuns(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := get(http.MethodGet, "/debug/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)

	w = get(http.MethodGet, "/debug/runs?run_id=r1")
	require.Equal(t, http.StatusOK, w.Code)
	var metrics []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	require.Len(t, metrics, 6)
	assert.Nil(t, metrics[0]["value"])

	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/debug/runs?run_id=zz").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(http.MethodPost, "/debug/runs").Code)
}

var _ train.Sink = (*Store)(nil)
