package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 0.001, cfg.LearningRate)
	assert.Equal(t, 0.8, cfg.TrainFraction())
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, "adam", cfg.Optimizer)
	assert.Equal(t, "plateau", cfg.Scheduler)
	assert.Equal(t, 0.5, cfg.PlateauFactor)
	assert.Equal(t, 5, cfg.PlateauPatience)
	assert.True(t, cfg.VerifyFrames)
	assert.Equal(t, "models", cfg.MinIO.Bucket)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HIGHLIGHT_EPOCHS", "7")
	t.Setenv("HIGHLIGHT_LEARNING_RATE", "0.01")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/runs")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("AMQP_EXCHANGE", "ml")
	t.Setenv("METRICS_TEXTFILE", "/var/lib/node_exporter/highlight.prom")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, "postgres://u:p@db/runs", cfg.Database.URL)
	assert.Equal(t, "minio:9000", cfg.MinIO.Endpoint)
	assert.Equal(t, "ml", cfg.AMQP.Exchange)
	assert.Equal(t, "/var/lib/node_exporter/highlight.prom", cfg.Metrics.Textfile)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("HIGHLIGHT_BATCH_SIZE", "lots")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Manifest = "data/dataset.json"
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Epochs = 0
	bad.BatchSize = -1
	bad.Optimizer = "lbfgs"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epochs")
	assert.Contains(t, err.Error(), "batch size")
	assert.Contains(t, err.Error(), "lbfgs")

	bad = *cfg
	bad.Manifest = ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.ValSplit = 1
	assert.Error(t, bad.Validate())
}

func TestResolvedOutputDir(t *testing.T) {
	cfg := &Config{Manifest: filepath.Join("tmp", "training", "dataset.json")}
	assert.Equal(t, filepath.Join("tmp", "training"), cfg.ResolvedOutputDir())
	cfg.OutputDir = "out"
	assert.Equal(t, "out", cfg.ResolvedOutputDir())
}
