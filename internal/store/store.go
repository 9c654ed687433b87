// Package store keeps the experiment run log and the per-epoch metrics stream
// in SQLite, for live dashboards and ad-hoc SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/canopy/internal/httputil"
	"github.com/banshee-data/canopy/internal/timeutil"
	"github.com/banshee-data/canopy/internal/train"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Phase values of epoch_metrics.
const (
	PhaseTrain = "train"
	PhaseVal   = "val"
)

var ErrRunNotFound = errors.New("run not found")

// Store wraps the metrics database.
type Store struct {
	*sql.DB
	path  string
	Clock timeutil.Clock
}

// Run is one row of experiment_runs.
type Run struct {
	RunID            string     `json:"run_id"`
	Tag              string     `json:"tag"`
	Encoder          string     `json:"encoder"`
	DecoderAttention string     `json:"decoder_attention"`
	OutDir           string     `json:"out_dir"`
	Status           string     `json:"status"`
	BestScore        *float64   `json:"best_score,omitempty"`
	EpochsRun        int        `json:"epochs_run"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// EpochMetric is one row of epoch_metrics. Value is NaN when the stored
// value was not finite.
type EpochMetric struct {
	RunID      string    `json:"run_id"`
	Epoch      int       `json:"epoch"`
	Phase      string    `json:"phase"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the database at path, applies pragmas and
// runs pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{DB: db, path: path, Clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// StartRun inserts run with status running, stamping StartedAt.
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	run.Status = StatusRunning
	run.StartedAt = s.now()
	_, err := s.ExecContext(ctx,
		`INSERT INTO experiment_runs (run_id, tag, encoder, decoder_attention, out_dir, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Tag, run.Encoder, run.DecoderAttention, run.OutDir, run.Status, run.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

// RecordEpoch appends the loss and metrics of both phases of one epoch.
func (s *Store) RecordEpoch(ctx context.Context, runID string, epoch int, trainRec, valRec train.EpochRecord) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO epoch_metrics (run_id, epoch, phase, name, value, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	at := s.now().UnixNano()
	for _, ph := range []struct {
		phase string
		rec   train.EpochRecord
	}{{PhaseTrain, trainRec}, {PhaseVal, valRec}} {
		values := append([]train.MetricValue{{Name: "loss", Value: ph.rec.Loss}}, ph.rec.Metrics...)
		for _, m := range values {
			if _, err := stmt.ExecContext(ctx, runID, epoch, ph.phase, m.Name, nullable(m.Value), at); err != nil {
				return fmt.Errorf("insert %s %s epoch %d: %w", ph.phase, m.Name, epoch, err)
			}
		}
	}
	return tx.Commit()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// FinishRun closes a run with its final status.
func (s *Store) FinishRun(ctx context.Context, runID, status string, bestScore float64, epochsRun int) error {
	res, err := s.ExecContext(ctx,
		`UPDATE experiment_runs SET status = ?, best_score = ?, epochs_run = ?, finished_at = ? WHERE run_id = ?`,
		status, nullable(bestScore), epochsRun, s.now().UnixNano(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs lists runs in start order.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, tag, encoder, decoder_attention, out_dir, status, best_score, epochs_run, started_at, finished_at
		 FROM experiment_runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			best     sql.NullFloat64
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.Tag, &r.Encoder, &r.DecoderAttention, &r.OutDir, &r.Status,
			&best, &r.EpochsRun, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if best.Valid {
			r.BestScore = &best.Float64
		}
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// EpochMetrics returns the metrics stream of a run ordered by epoch, phase
// (train first) and insertion.
func (s *Store) EpochMetrics(ctx context.Context, runID string) ([]EpochMetric, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, epoch, phase, name, value, recorded_at FROM epoch_metrics
		 WHERE run_id = ? ORDER BY epoch, phase = 'val', rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochMetric
	for rows.Next() {
		var (
			m  EpochMetric
			v  sql.NullFloat64
			at int64
		)
		if err := rows.Scan(&m.RunID, &m.Epoch, &m.Phase, &m.Name, &v, &at); err != nil {
			return nil, err
		}
		m.Value = math.NaN()
		if v.Valid {
			m.Value = v.Float64
		}
		m.RecordedAt = time.Unix(0, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Records regroups the metrics stream of a run into per-epoch records of
// each phase. Epochs with no val rows are dropped from both phases.
func (s *Store) Records(ctx context.Context, runID string) (trainRecs, valRecs []train.EpochRecord, err error) {
	ms, err := s.EpochMetrics(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	type key struct {
		epoch int
		phase string
	}
	byKey := map[key]*train.EpochRecord{}
	var epochs []int
	for _, m := range ms {
		k := key{m.Epoch, m.Phase}
		rec, ok := byKey[k]
		if !ok {
			rec = &train.EpochRecord{}
			byKey[k] = rec
			if m.Phase == PhaseVal {
				epochs = append(epochs, m.Epoch)
			}
		}
		if m.Name == "loss" {
			rec.Loss = m.Value
			continue
		}
		rec.Metrics = append(rec.Metrics, train.MetricValue{Name: m.Name, Value: m.Value})
	}
	for _, e := range epochs {
		tr, ok := byKey[key{e, PhaseTrain}]
		if !ok {
			continue
		}
		trainRecs = append(trainRecs, *tr)
		valRecs = append(valRecs, *byKey[key{e, PhaseVal}])
	}
	return trainRecs, valRecs, nil
}

// AttachAdminRoutes mounts tailsql and a JSON run listing on the tsweb debug
// page of mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Experiment metrics",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("runs", "Experiment runs (JSON, ?run_id= for epoch metrics)", http.HandlerFunc(s.handleRuns))
	return nil
}

func (s *Store) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		metrics, err := s.EpochMetrics(r.Context(), runID)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if len(metrics) == 0 {
			httputil.NotFound(w, "no metrics for run "+runID)
			return
		}
		httputil.WriteJSONOK(w, jsonMetrics(metrics))
		return
	}
	runs, err := s.Runs(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}

// jsonMetrics replaces NaN, which encoding/json rejects, with nil.
func jsonMetrics(ms []EpochMetric) []map[string]any {
	out := make([]map[string]any, len(ms))
	for i, m := range ms {
		var v any = m.Value
		if math.IsNaN(m.Value) {
			v = nil
		}
		out[i] = map[string]any{
			"run_id": m.RunID, "epoch": m.Epoch, "phase": m.Phase,
			"name": m.Name, "value": v, "recorded_at": m.RecordedAt,
		}
	}
	return out
}
