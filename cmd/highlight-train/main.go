// Command highlight-train fine-tunes the highlight classifier on a frame
// manifest and writes the best model.pth next to it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"highlight/internal/artifacts"
	"highlight/internal/config"
	"highlight/internal/events"
	"highlight/internal/logging"
	"highlight/internal/runstore"
	"highlight/internal/telemetry"
	"highlight/internal/trainer"
	flow "highlight/src"
)

const version = "0.3.0"

type runFunc func(ctx context.Context, cfg *config.Config) error

// newRootCmd binds the flags onto cfg. Values already in cfg (from the
// environment) become the flag defaults.
func newRootCmd(cfg *config.Config, run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "highlight-train <manifest.json>",
		Short:         "Fine-tune the drone footage highlight classifier",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Manifest = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of training epochs")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Batch size")
	f.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "Initial learning rate")
	f.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for model.pth (default: the manifest's directory)")

	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for split, shuffling and augmentation (0 = from clock)")
	f.Float64Var(&cfg.ValSplit, "val-split", cfg.ValSplit, "Share of frames held out for validation")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Frame decode workers")
	f.IntVar(&cfg.Prefetch, "prefetch", cfg.Prefetch, "Batches decoded ahead of training")
	f.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "Square input size frames are resized to")
	f.BoolVar(&cfg.VerifyFrames, "verify-frames", cfg.VerifyFrames, "Check every frame exists before training")
	f.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Show per-batch progress bars")

	f.BoolVar(&cfg.FreezeBackbone, "freeze-backbone", cfg.FreezeBackbone, "Train only the classification head")
	f.StringVar(&cfg.BackboneWeights, "backbone-weights", cfg.BackboneWeights, "Pre-trained weights or a previous model.pth")
	f.Float64Var(&cfg.LabelSmoothing, "label-smoothing", cfg.LabelSmoothing, "Cross-entropy label smoothing")
	f.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "adam, adamw or sgd")
	f.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "Weight decay")
	f.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "plateau, step, cosine or constant")
	f.Float64Var(&cfg.PlateauFactor, "plateau-factor", cfg.PlateauFactor, "LR multiplier when validation accuracy plateaus")
	f.IntVar(&cfg.PlateauPatience, "plateau-patience", cfg.PlateauPatience, "Epochs without improvement before the LR drops")
	f.IntVar(&cfg.EarlyStopping, "early-stopping", cfg.EarlyStopping, "Stop after this many epochs without improvement (0 = off)")

	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.Database.URL, "db", cfg.Database.URL, "PostgreSQL connection string for the run registry")
	f.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve Prometheus metrics on this address")
	f.StringVar(&cfg.Metrics.Textfile, "metrics-textfile", cfg.Metrics.Textfile, "Write Prometheus metrics to this file after each epoch")

	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	return cmd
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg, train).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func train(ctx context.Context, cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(log)
	flow.SetLogger(log)

	runID := uuid.New()
	metrics := telemetry.New(runID.String())
	if cfg.Metrics.Addr != "" {
		metrics.Serve(ctx, cfg.Metrics.Addr, log)
	}

	opts := trainer.Options{
		Logger:  log,
		Out:     os.Stdout,
		RunID:   runID,
		Metrics: metrics,
	}

	// The integrations below are optional; a run without them still
	// produces model.pth.
	if cfg.Database.URL != "" {
		store, err := runstore.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Warn("run registry unavailable", "err", err)
		} else {
			defer store.Close()
			opts.Runs = store
		}
	}
	if cfg.MinIO.Endpoint != "" {
		storage, err := artifacts.NewStorage(artifacts.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.MinIO.Bucket,
		})
		if err == nil {
			err = storage.EnsureBucket(ctx)
		}
		if err != nil {
			log.Warn("artifact storage unavailable", "endpoint", cfg.MinIO.Endpoint, "err", err)
		} else {
			opts.Uploader = storage
		}
	}
	if cfg.AMQP.URL != "" {
		pub, err := events.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
		if err != nil {
			log.Warn("event publisher unavailable", "err", err)
		} else {
			defer pub.Close()
			opts.Publisher = pub
		}
	}

	t, err := trainer.New(cfg, opts)
	if err != nil {
		return err
	}
	_, err = t.Run(ctx)
	return err
}
