package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// TestStoreIntegration runs against a real Postgres container and needs
// Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("runs"),
		tcpostgres.WithUsername("trainer"),
		tcpostgres.WithPassword("trainer"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, connStr)
	require.NoError(t, err)
	defer s.Close()

	// schema creation is idempotent
	s2, err := New(ctx, connStr)
	require.NoError(t, err)
	s2.Close()

	id := uuid.New()
	require.NoError(t, s.StartRun(ctx, Run{
		ID:           id,
		Manifest:     "/data/dataset.json",
		OutputDir:    "/data",
		Params:       map[string]any{"epochs": 3, "batch_size": 32},
		Samples:      10,
		TrainSamples: 8,
		ValSamples:   2,
	}))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.BestEpoch)

	for epoch, acc := range []float64{50, 100, 50} {
		require.NoError(t, s.RecordEpoch(ctx, id, Epoch{
			Epoch: epoch, TrainLoss: 0.7, TrainAccuracy: 60, ValLoss: 0.6, ValAccuracy: acc,
			LR: 0.001, NextLR: 0.001, Saved: epoch == 1, Duration: 1500 * time.Millisecond,
		}))
	}
	// re-recording replaces the row
	require.NoError(t, s.RecordEpoch(ctx, id, Epoch{Epoch: 2, ValAccuracy: 0, Duration: time.Second}))

	epochs, err := s.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, 100.0, epochs[1].ValAccuracy)
	assert.True(t, epochs[1].Saved)
	assert.Equal(t, 1500*time.Millisecond, epochs[0].Duration)
	assert.Zero(t, epochs[2].ValAccuracy)

	require.NoError(t, s.FinishRun(ctx, id, Outcome{
		Status: StatusCompleted, BestValAccuracy: 100, BestEpoch: 1, ModelPath: "/data/model.pth",
	}))
	run, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.BestEpoch)
	assert.Equal(t, 1, *run.BestEpoch)
	assert.Equal(t, 100.0, *run.BestValAccuracy)
	assert.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.Error)

	failed := uuid.New()
	require.NoError(t, s.StartRun(ctx, Run{ID: failed, Manifest: "m", OutputDir: "o", Samples: 1}))
	require.NoError(t, s.FinishRun(ctx, failed, Outcome{Status: StatusFailed, BestEpoch: -1, Err: errors.New("boom")}))
	run, err = s.GetRun(ctx, failed)
	require.NoError(t, err)
	require.NotNil(t, run.Error)
	assert.Equal(t, "boom", *run.Error)
	assert.Nil(t, run.ModelPath)

	assert.ErrorIs(t, s.FinishRun(ctx, uuid.New(), Outcome{Status: StatusFailed, BestEpoch: -1}), ErrRunNotFound)
	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}
