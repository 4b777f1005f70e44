package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlight/internal/config"
)

func execute(t *testing.T, cfg *config.Config, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	cmd := newRootCmd(cfg, func(ctx context.Context, c *config.Config) error {
		got = c
		return nil
	})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return got, err
}

func TestRootDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	got, err := execute(t, cfg, "data/dataset.json")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "data/dataset.json", got.Manifest)
	assert.Equal(t, 50, got.Epochs)
	assert.Equal(t, 32, got.BatchSize)
	assert.Equal(t, 0.001, got.LearningRate)
	assert.Equal(t, "data", got.ResolvedOutputDir())
}

func TestRootFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HIGHLIGHT_EPOCHS", "12")
	t.Setenv("HIGHLIGHT_BATCH_SIZE", "8")
	cfg, err := config.Load()
	require.NoError(t, err)

	got, err := execute(t, cfg, "m.json", "--epochs", "3", "--learning-rate", "0.01", "--output-dir", "/tmp/out")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Epochs)
	assert.Equal(t, 8, got.BatchSize)
	assert.Equal(t, 0.01, got.LearningRate)
	assert.Equal(t, "/tmp/out", got.ResolvedOutputDir())
}

func TestRootRejectsBadInvocations(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	_, err = execute(t, cfg)
	assert.Error(t, err, "manifest path is required")

	cfg, err = config.Load()
	require.NoError(t, err)
	_, err = execute(t, cfg, "a.json", "b.json")
	assert.Error(t, err)

	cfg, err = config.Load()
	require.NoError(t, err)
	got, err := execute(t, cfg, "a.json", "--epochs", "0")
	assert.ErrorContains(t, err, "epochs must be > 0")
	assert.Nil(t, got)
}
