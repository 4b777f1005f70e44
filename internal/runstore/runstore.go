// Package runstore records training runs and their per-epoch history in
// PostgreSQL so runs can be compared after the fact.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var ErrRunNotFound = errors.New("runstore: run not found")

// Store manages the PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS training_runs (
			id UUID PRIMARY KEY,
			manifest TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			params JSONB NOT NULL DEFAULT '{}',
			samples INT NOT NULL,
			train_samples INT NOT NULL,
			val_samples INT NOT NULL,
			status TEXT NOT NULL,
			best_val_accuracy DOUBLE PRECISION,
			best_epoch INT,
			model_path TEXT,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS training_epochs (
			run_id UUID NOT NULL REFERENCES training_runs(id) ON DELETE CASCADE,
			epoch INT NOT NULL,
			train_loss DOUBLE PRECISION NOT NULL,
			train_accuracy DOUBLE PRECISION NOT NULL,
			val_loss DOUBLE PRECISION NOT NULL,
			val_accuracy DOUBLE PRECISION NOT NULL,
			lr DOUBLE PRECISION NOT NULL,
			next_lr DOUBLE PRECISION NOT NULL,
			saved BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Run is the registration of a training run.
type Run struct {
	ID           uuid.UUID
	Manifest     string
	OutputDir    string
	Params       map[string]any
	Samples      int
	TrainSamples int
	ValSamples   int
}

// StartRun inserts the run with status running.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("runstore: encode params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO training_runs (id, manifest, output_dir, params, samples, train_samples, val_samples, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.Manifest, r.OutputDir, params, r.Samples, r.TrainSamples, r.ValSamples, StatusRunning)
	return err
}

// Epoch is one row of a run's history. Epoch is 0-based.
type Epoch struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	LR            float64
	NextLR        float64
	Saved         bool
	Duration      time.Duration
}

// RecordEpoch stores one epoch. Recording the same epoch twice replaces it.
func (s *Store) RecordEpoch(ctx context.Context, runID uuid.UUID, e Epoch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_epochs (run_id, epoch, train_loss, train_accuracy, val_loss, val_accuracy, lr, next_lr, saved, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, epoch) DO UPDATE SET
			train_loss = EXCLUDED.train_loss, train_accuracy = EXCLUDED.train_accuracy,
			val_loss = EXCLUDED.val_loss, val_accuracy = EXCLUDED.val_accuracy,
			lr = EXCLUDED.lr, next_lr = EXCLUDED.next_lr,
			saved = EXCLUDED.saved, duration_ms = EXCLUDED.duration_ms
	`, runID, e.Epoch, e.TrainLoss, e.TrainAccuracy, e.ValLoss, e.ValAccuracy, e.LR, e.NextLR, e.Saved, e.Duration.Milliseconds())
	return err
}

// Outcome closes a run.
type Outcome struct {
	Status          string
	BestValAccuracy float64
	BestEpoch       int // -1 when nothing was saved
	ModelPath       string
	Err             error
}

func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, o Outcome) error {
	var bestEpoch *int
	var bestAcc *float64
	var modelPath, errText *string
	if o.BestEpoch >= 0 {
		bestEpoch, bestAcc, modelPath = &o.BestEpoch, &o.BestValAccuracy, &o.ModelPath
	}
	if o.Err != nil {
		msg := o.Err.Error()
		errText = &msg
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE training_runs
		SET status = $2, best_val_accuracy = $3, best_epoch = $4, model_path = $5, error = $6, finished_at = NOW()
		WHERE id = $1
	`, runID, o.Status, bestAcc, bestEpoch, modelPath, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Summary is a stored run as read back.
type Summary struct {
	ID              uuid.UUID
	Manifest        string
	Status          string
	Samples         int
	BestValAccuracy *float64
	BestEpoch       *int
	ModelPath       *string
	Error           *string
	StartedAt       time.Time
	FinishedAt      *time.Time
}

func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	var r Summary
	err := s.pool.QueryRow(ctx, `
		SELECT id, manifest, status, samples, best_val_accuracy, best_epoch, model_path, error, started_at, finished_at
		FROM training_runs WHERE id = $1
	`, runID).Scan(&r.ID, &r.Manifest, &r.Status, &r.Samples, &r.BestValAccuracy, &r.BestEpoch,
		&r.ModelPath, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Epochs returns a run's history in epoch order.
func (s *Store) Epochs(ctx context.Context, runID uuid.UUID) ([]Epoch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT epoch, train_loss, train_accuracy, val_loss, val_accuracy, lr, next_lr, saved, duration_ms
		FROM training_epochs WHERE run_id = $1 ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var ms int64
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.TrainAccuracy, &e.ValLoss, &e.ValAccuracy,
			&e.LR, &e.NextLR, &e.Saved, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
