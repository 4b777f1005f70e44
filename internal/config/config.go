// Package config holds the settings of a training run. Values come from the
// environment first and are then overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Manifest  string `env:"HIGHLIGHT_MANIFEST"`
	OutputDir string `env:"HIGHLIGHT_OUTPUT_DIR"`

	Epochs       int     `env:"HIGHLIGHT_EPOCHS"        envDefault:"50"`
	BatchSize    int     `env:"HIGHLIGHT_BATCH_SIZE"    envDefault:"32"`
	LearningRate float64 `env:"HIGHLIGHT_LEARNING_RATE" envDefault:"0.001"`
	Seed         int64   `env:"HIGHLIGHT_SEED"          envDefault:"0"`
	ValSplit     float64 `env:"HIGHLIGHT_VAL_SPLIT"     envDefault:"0.2"`

	Workers      int  `env:"HIGHLIGHT_WORKERS"       envDefault:"4"`
	Prefetch     int  `env:"HIGHLIGHT_PREFETCH"      envDefault:"2"`
	ImageSize    int  `env:"HIGHLIGHT_IMAGE_SIZE"    envDefault:"224"`
	VerifyFrames bool `env:"HIGHLIGHT_VERIFY_FRAMES" envDefault:"true"`
	Progress     bool `env:"HIGHLIGHT_PROGRESS"      envDefault:"true"`

	FreezeBackbone  bool    `env:"HIGHLIGHT_FREEZE_BACKBONE"  envDefault:"false"`
	BackboneWeights string  `env:"HIGHLIGHT_BACKBONE_WEIGHTS"`
	LabelSmoothing  float64 `env:"HIGHLIGHT_LABEL_SMOOTHING"  envDefault:"0"`
	Optimizer       string  `env:"HIGHLIGHT_OPTIMIZER"        envDefault:"adam"`
	WeightDecay     float64 `env:"HIGHLIGHT_WEIGHT_DECAY"     envDefault:"0"`
	Scheduler       string  `env:"HIGHLIGHT_SCHEDULER"        envDefault:"plateau"`
	PlateauFactor   float64 `env:"HIGHLIGHT_PLATEAU_FACTOR"   envDefault:"0.5"`
	PlateauPatience int     `env:"HIGHLIGHT_PLATEAU_PATIENCE" envDefault:"5"`
	EarlyStopping   int     `env:"HIGHLIGHT_EARLY_STOPPING"   envDefault:"0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Database DatabaseConfig `envPrefix:"DATABASE_"`
	MinIO    MinIOConfig    `envPrefix:"MINIO_"`
	AMQP     AMQPConfig     `envPrefix:"AMQP_"`
	Metrics  MetricsConfig  `envPrefix:"METRICS_"`
}

// DatabaseConfig enables the run registry when URL is set.
type DatabaseConfig struct {
	URL string `env:"URL"`
}

// MinIOConfig enables checkpoint upload when Endpoint is set.
type MinIOConfig struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"USE_SSL"    envDefault:"false"`
	Bucket    string `env:"BUCKET"     envDefault:"models"`
}

// AMQPConfig enables the model-trained event when URL is set.
type AMQPConfig struct {
	URL        string `env:"URL"`
	Exchange   string `env:"EXCHANGE"    envDefault:"highlight.training"`
	RoutingKey string `env:"ROUTING_KEY" envDefault:"model.trained"`
}

// MetricsConfig enables a /metrics listener (Addr) and a Prometheus
// textfile written at the end of each epoch (Textfile).
type MetricsConfig struct {
	Addr     string `env:"ADDR"`
	Textfile string `env:"TEXTFILE"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	optimizers = []string{"adam", "adamw", "sgd"}
	schedulers = []string{"plateau", "step", "cosine", "constant"}
	logLevels  = []string{"debug", "info", "warn", "error"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Manifest != "", "manifest path is required")
	check(c.Epochs > 0, "epochs must be > 0, got %d", c.Epochs)
	check(c.BatchSize > 0, "batch size must be > 0, got %d", c.BatchSize)
	check(c.LearningRate > 0, "learning rate must be > 0, got %g", c.LearningRate)
	check(c.ValSplit > 0 && c.ValSplit < 1, "validation split must be in (0,1), got %g", c.ValSplit)
	check(c.Workers > 0, "workers must be > 0, got %d", c.Workers)
	check(c.Prefetch >= 0, "prefetch must be >= 0, got %d", c.Prefetch)
	check(c.ImageSize >= 8, "image size must be >= 8, got %d", c.ImageSize)
	check(c.LabelSmoothing >= 0 && c.LabelSmoothing < 1, "label smoothing must be in [0,1), got %g", c.LabelSmoothing)
	check(c.WeightDecay >= 0, "weight decay must be >= 0, got %g", c.WeightDecay)
	check(c.PlateauFactor > 0 && c.PlateauFactor < 1, "plateau factor must be in (0,1), got %g", c.PlateauFactor)
	check(c.PlateauPatience >= 0, "plateau patience must be >= 0, got %d", c.PlateauPatience)
	check(c.EarlyStopping >= 0, "early stopping patience must be >= 0, got %d", c.EarlyStopping)
	check(oneOf(c.Optimizer, optimizers), "optimizer must be one of %s, got %q", strings.Join(optimizers, "|"), c.Optimizer)
	check(oneOf(c.Scheduler, schedulers), "scheduler must be one of %s, got %q", strings.Join(schedulers, "|"), c.Scheduler)
	check(oneOf(strings.ToLower(c.LogLevel), logLevels), "log level must be one of %s, got %q", strings.Join(logLevels, "|"), c.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ResolvedOutputDir is OutputDir, or the manifest's directory when unset.
func (c *Config) ResolvedOutputDir() string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return filepath.Dir(c.Manifest)
}

// TrainFraction is the share of samples used for training.
func (c *Config) TrainFraction() float64 {
	return 1 - c.ValSplit
}
