// Command highlight-eval scores a trained model.pth against a labelled
// manifest and optionally writes per-frame predictions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"highlight/internal/artifacts"
	"highlight/internal/checkpoint"
	"highlight/internal/config"
	"highlight/internal/dataset"
	"highlight/internal/evaluate"
	"highlight/internal/logging"
	"highlight/internal/manifest"
	"highlight/internal/model"
	flow "highlight/src"
)

type evalOptions struct {
	Manifest    string
	Model       string
	Object      string
	Predictions string
	Backbone    string
	BatchSize   int
	Workers     int
}

func newRootCmd(cfg *config.Config, out io.Writer) *cobra.Command {
	var opts evalOptions
	cmd := &cobra.Command{
		Use:           "highlight-eval <manifest.json>",
		Short:         "Evaluate a trained highlight classifier",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Manifest = args[0]
			return run(cmd.Context(), cfg, opts, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Model, "model", "", "Checkpoint to evaluate (default: model.pth next to the manifest)")
	f.StringVar(&opts.Object, "object", "", "Fetch the checkpoint from this object key in the MinIO bucket")
	f.StringVar(&opts.Predictions, "predictions", "", "Write per-frame predictions as JSON to this file")
	f.StringVar(&opts.Backbone, "export-backbone", "", "Write the checkpoint's backbone weights to this file for --backbone-weights")
	f.IntVar(&opts.BatchSize, "batch-size", cfg.BatchSize, "Batch size")
	f.IntVar(&opts.Workers, "workers", cfg.Workers, "Frame decode workers")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
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

	if err := newRootCmd(cfg, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts evalOptions, out io.Writer) error {
	log := logging.New(os.Stderr, cfg.LogLevel)
	flow.SetLogger(log)

	m, err := manifest.Load(opts.Manifest)
	if err != nil {
		return err
	}
	if err := m.Validate(manifest.NumClasses); err != nil {
		return err
	}

	modelPath := opts.Model
	if opts.Object != "" {
		if cfg.MinIO.Endpoint == "" {
			return errors.New("--object needs MINIO_ENDPOINT")
		}
		storage, err := artifacts.NewStorage(artifacts.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.MinIO.Bucket,
		})
		if err != nil {
			return err
		}
		tmp, err := os.MkdirTemp("", "highlight-eval-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		modelPath = filepath.Join(tmp, checkpoint.FileName)
		if err := storage.Download(ctx, opts.Object, modelPath); err != nil {
			return fmt.Errorf("download %s: %w", opts.Object, err)
		}
		log.Info("checkpoint downloaded", "key", opts.Object)
	}
	if modelPath == "" {
		modelPath = checkpoint.Path(m.Dir)
	}

	ck, err := checkpoint.Load(modelPath)
	if err != nil {
		return err
	}
	clf, err := evaluate.Restore(ck, log)
	if err != nil {
		return err
	}
	log.Info("model restored", "path", modelPath, "epoch", ck.Epoch+1, "val_accuracy", ck.ValAccuracy, "run_id", ck.Meta.RunID)

	if opts.Backbone != "" {
		if err := checkpoint.SaveWeights(opts.Backbone, model.BackboneState(clf.Net.StateDict())); err != nil {
			return fmt.Errorf("export backbone: %w", err)
		}
		fmt.Fprintf(out, "Backbone weights written to %s\n", opts.Backbone)
	}

	report, err := evaluate.Run(ctx, clf, dataset.FromManifest(m), evaluate.Options{
		BatchSize: opts.BatchSize,
		Workers:   opts.Workers,
	})
	if err != nil {
		return err
	}

	c := report.Confusion
	fmt.Fprintf(out, "Model: %s (epoch %d, val acc %.2f%%)\n", modelPath, ck.Epoch+1, ck.ValAccuracy)
	fmt.Fprintf(out, "Frames: %d\n", m.Len())
	fmt.Fprintf(out, "Loss: %.4f | Accuracy: %.2f%%\n", report.Logs["loss"], report.Logs["accuracy"])
	fmt.Fprintf(out, "Highlight Precision: %.4f | Recall: %.4f | F1: %.4f\n",
		report.Logs["precision"], report.Logs["recall"], report.Logs["f1"])
	fmt.Fprintln(out, "Confusion (rows = label, cols = predicted):")
	fmt.Fprintf(out, "  normal    %6d %6d\n", c[manifest.LabelNormal][manifest.LabelNormal], c[manifest.LabelNormal][manifest.LabelHighlight])
	fmt.Fprintf(out, "  highlight %6d %6d\n", c[manifest.LabelHighlight][manifest.LabelNormal], c[manifest.LabelHighlight][manifest.LabelHighlight])

	if opts.Predictions != "" {
		body, err := json.MarshalIndent(report.Predictions, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.Predictions, body, 0o644); err != nil {
			return fmt.Errorf("write predictions: %w", err)
		}
		fmt.Fprintf(out, "Predictions written to %s\n", opts.Predictions)
	}
	return nil
}
