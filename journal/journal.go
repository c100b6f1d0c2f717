// Package journal records training runs and their per-epoch results in a
// SQLite database, so runs can be compared after the process exits.
package journal

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-srcnn/checkpoints"
	"github.com/tsawler/go-srcnn/training"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	seed INTEGER NOT NULL,
	config TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'running'
)`, `
CREATE TABLE IF NOT EXISTS epochs(
	run_id INTEGER NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	train_loss REAL,
	val_loss REAL,
	val_psnr REAL,
	skipped_steps INTEGER NOT NULL,
	loss_scale REAL NOT NULL,
	best_improved INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	PRIMARY KEY(run_id, epoch)
)`}

// Run is one journaled training run.
type Run struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Seed       int64
	Config     string
	State      string
}

// Journal is a handle on a run database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create journal schema: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun inserts a run and returns its id. config is stored verbatim,
// typically the JSON of the resolved training configuration.
func (j *Journal) StartRun(seed int64, config string) (int64, error) {
	res, err := j.db.Exec("INSERT INTO runs(started_at, seed, config) VALUES(?,?,?)",
		time.Now().UnixNano(), seed, config)
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun marks a run as ended in state (finished, cancelled, failed).
func (j *Journal) FinishRun(runID int64, state string) error {
	res, err := j.db.Exec("UPDATE runs SET finished_at = ?, state = ? WHERE id = ?",
		time.Now().UnixNano(), state, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d does not exist", runID)
	}
	return nil
}

// RecordEpoch stores the result of one epoch. Recording the same epoch
// twice is an error.
func (j *Journal) RecordEpoch(runID int64, r training.EpochRecord) error {
	_, err := j.db.Exec(`INSERT INTO epochs(run_id, epoch, train_loss, val_loss, val_psnr,
		skipped_steps, loss_scale, best_improved, duration_ns) VALUES(?,?,?,?,?,?,?,?,?)`,
		runID, r.Epoch, nullable(r.TrainLoss), nullable(r.ValLoss), nullable(r.ValPSNR),
		r.SkippedSteps, float64(r.LossScale), r.BestImproved, int64(r.Duration))
	if err != nil {
		return fmt.Errorf("failed to record epoch %d of run %d: %w", r.Epoch, runID, err)
	}
	return nil
}

// Epochs returns the recorded epochs of a run in epoch order.
func (j *Journal) Epochs(runID int64) ([]training.EpochRecord, error) {
	rows, err := j.db.Query(`SELECT epoch, train_loss, val_loss, val_psnr, skipped_steps,
		loss_scale, best_improved, duration_ns FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var records []training.EpochRecord
	for rows.Next() {
		var (
			r                        training.EpochRecord
			trainLoss, valLoss, psnr sql.NullFloat64
			scale                    float64
			duration                 int64
		)
		if err := rows.Scan(&r.Epoch, &trainLoss, &valLoss, &psnr, &r.SkippedSteps,
			&scale, &r.BestImproved, &duration); err != nil {
			return nil, fmt.Errorf("failed to read epoch: %w", err)
		}
		r.TrainLoss = metric(trainLoss)
		r.ValLoss = metric(valLoss)
		r.ValPSNR = metric(psnr)
		r.LossScale = float32(scale)
		r.Duration = time.Duration(duration)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Runs lists all runs, most recent first.
func (j *Journal) Runs() ([]Run, error) {
	rows, err := j.db.Query("SELECT id, started_at, finished_at, seed, config, state FROM runs ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Seed, &r.Config, &r.State); err != nil {
			return nil, fmt.Errorf("failed to read run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Observer returns a training.EpochObserver that journals into runID.
func (j *Journal) Observer(runID int64) training.EpochObserver {
	return &observer{journal: j, runID: runID}
}

type observer struct {
	journal *Journal
	runID   int64
}

func (o *observer) ObserveEpoch(r training.EpochRecord) error {
	return o.journal.RecordEpoch(o.runID, r)
}

// nullable maps NaN to NULL; SQLite has no NaN.
func nullable(m checkpoints.Metric) interface{} {
	if math.IsNaN(float64(m)) {
		return nil
	}
	return float64(m)
}

func metric(v sql.NullFloat64) checkpoints.Metric {
	if !v.Valid {
		return checkpoints.Metric(math.NaN())
	}
	return checkpoints.Metric(v.Float64)
}
