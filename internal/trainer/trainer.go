// Package trainer runs one fine-tuning job: it validates the manifest,
// splits the frames, trains the classifier epoch by epoch and keeps the
// best model.pth by validation accuracy.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"highlight/internal/artifacts"
	"highlight/internal/checkpoint"
	"highlight/internal/config"
	"highlight/internal/device"
	"highlight/internal/events"
	"highlight/internal/model"
	"highlight/internal/runstore"
	"highlight/internal/telemetry"
	flow "highlight/src"
)

const ruleWidth = 80

// RunRecorder persists run and epoch history. *runstore.Store implements it.
type RunRecorder interface {
	StartRun(ctx context.Context, run runstore.Run) error
	RecordEpoch(ctx context.Context, runID uuid.UUID, ep runstore.Epoch) error
	FinishRun(ctx context.Context, runID uuid.UUID, out runstore.Outcome) error
}

// Uploader copies the final checkpoint off the machine. *artifacts.Storage
// implements it.
type Uploader interface {
	UploadCheckpoint(ctx context.Context, runID, localPath string, epoch int, valAccuracy float64) (artifacts.Object, error)
}

// Publisher announces a finished run. *events.Publisher implements it.
type Publisher interface {
	PublishModelTrained(ctx context.Context, ev events.ModelTrained) error
}

// Options carries the trainer's collaborators. Everything is optional.
type Options struct {
	Logger *slog.Logger
	// Out receives the human-readable report. Defaults to os.Stdout.
	Out io.Writer
	// Progress receives the per-batch bars. Defaults to os.Stderr.
	Progress io.Writer

	Runs      RunRecorder
	Uploader  Uploader
	Publisher Publisher
	Metrics   *telemetry.Metrics

	RunID uuid.UUID
	// Model overrides the network layout; ImageSize and Seed still come
	// from the config.
	Model *model.Config
}

type Trainer struct {
	cfg       *config.Config
	log       *slog.Logger
	out       io.Writer
	progress  io.Writer
	runs      RunRecorder
	uploader  Uploader
	publisher Publisher
	metrics   *telemetry.Metrics

	runID       uuid.UUID
	seed        int64
	outputDir   string
	modelConfig *model.Config
}

// Result summarises a finished run. BestEpoch is 0-based and -1 when no
// checkpoint was written.
type Result struct {
	RunID           uuid.UUID
	Seed            int64
	BestValAccuracy float64
	BestEpoch       int
	ModelPath       string
	Saved           int
	Epochs          int
	Stopped         bool
	TrainSamples    int
	ValSamples      int
	History         *flow.History
	Object          *artifacts.Object
}

func New(cfg *config.Config, opts Options) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.New("trainer: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:         cfg,
		log:         opts.Logger,
		out:         opts.Out,
		progress:    opts.Progress,
		runs:        opts.Runs,
		uploader:    opts.Uploader,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		runID:       opts.RunID,
		seed:        cfg.Seed,
		outputDir:   cfg.ResolvedOutputDir(),
		modelConfig: opts.Model,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.out == nil {
		t.out = os.Stdout
	}
	if t.progress == nil {
		t.progress = os.Stderr
	}
	if t.runID == uuid.Nil {
		t.runID = uuid.New()
	}
	if t.seed == 0 {
		t.seed = time.Now().UnixNano()
	}
	t.log = t.log.With("run_id", t.runID.String())
	return t, nil
}

// ModelPath is where the best checkpoint is written.
func (t *Trainer) ModelPath() string {
	return checkpoint.Path(t.outputDir)
}

// Run trains to completion. Every input check happens before the first
// batch. If ctx is cancelled the run stops between batches and the error
// is ctx.Err(); the checkpoint written so far stays on disk.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	t.banner()

	d, err := t.prepare()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	clf, err := t.buildModel()
	if err != nil {
		return nil, err
	}

	t.log.Info("training run starting", "seed", t.seed, "epochs", t.cfg.Epochs,
		"batch_size", t.cfg.BatchSize, "learning_rate", t.cfg.LearningRate, "output", t.ModelPath())
	t.startRun(ctx, d)

	res := &Result{
		RunID:        t.runID,
		Seed:         t.seed,
		BestEpoch:    -1,
		ModelPath:    t.ModelPath(),
		TrainSamples: len(d.trainIdx),
		ValSamples:   len(d.valIdx),
	}

	saver := t.checkpointCallback(clf)
	callbacks := []flow.Callback{t.progressCallback(), saver, t.epochCallback(saver)}
	if t.cfg.EarlyStopping > 0 {
		callbacks = append(callbacks, flow.EarlyStopping(flow.EarlyStoppingConfig{
			Monitor:  "val_accuracy",
			Mode:     "max",
			Patience: t.cfg.EarlyStopping,
		}))
	}

	fmt.Fprintf(t.out, "\nStarting training for %d epochs...\n", t.cfg.Epochs)
	fmt.Fprintln(t.out, strings.Repeat("-", ruleWidth))

	history, fitErr := clf.Net.Fit(ctx, d.train, d.val, flow.FitConfig{Epochs: t.cfg.Epochs}, callbacks)
	res.History = history
	if history != nil {
		res.Epochs = len(history.Epochs)
		res.Stopped = history.Stopped
	}
	res.BestValAccuracy, res.BestEpoch, res.Saved = saver.Best()
	if res.Saved == 0 {
		res.BestValAccuracy = 0
	}

	if fitErr != nil {
		status := runstore.StatusFailed
		if errors.Is(fitErr, context.Canceled) || errors.Is(fitErr, context.DeadlineExceeded) {
			status = runstore.StatusCancelled
			fmt.Fprintln(t.out, "\nTraining interrupted.")
			if res.Saved > 0 {
				fmt.Fprintf(t.out, "Best model so far (Val Acc: %.2f%%) is at %s\n", res.BestValAccuracy, res.ModelPath)
			}
		}
		t.finishRun(ctx, status, res, fitErr)
		return res, fitErr
	}

	t.report(res)
	t.finishRun(ctx, runstore.StatusCompleted, res, nil)
	t.publish(ctx, d, res)
	return res, nil
}

func (t *Trainer) banner() {
	rule := strings.Repeat("=", ruleWidth)
	fmt.Fprintln(t.out, rule)
	fmt.Fprintln(t.out, "DRONE FOOTAGE HIGHLIGHT CLASSIFIER TRAINING")
	fmt.Fprintln(t.out, rule)

	info := device.Detect()
	fmt.Fprintf(t.out, "\nUsing device: %s\n", info)
	fmt.Fprintln(t.out, "WARNING: Training on CPU will be very slow!")
	if !info.Wide() {
		t.log.Warn("no wide SIMD support detected", "simd", info.SIMD)
	}
}

func (t *Trainer) report(res *Result) {
	rule := strings.Repeat("=", ruleWidth)
	fmt.Fprintf(t.out, "\n%s\nTRAINING COMPLETE!\n%s\n", rule, rule)
	if res.Stopped {
		fmt.Fprintf(t.out, "Stopped early after %d of %d epochs\n", res.Epochs, t.cfg.Epochs)
	}
	fmt.Fprintf(t.out, "Best Validation Accuracy: %.2f%%\n", res.BestValAccuracy)
	if res.Saved == 0 {
		fmt.Fprintln(t.out, "No model was saved: validation accuracy never rose above 0%")
		return
	}
	fmt.Fprintf(t.out, "Best epoch: %d\n", res.BestEpoch+1)
	fmt.Fprintf(t.out, "Model saved to: %s\n", res.ModelPath)
}

// Integration failures below are logged, never fatal: model.pth is the
// run's product and it is already on disk.

func (t *Trainer) startRun(ctx context.Context, d *data) {
	if t.runs == nil {
		return
	}
	err := t.runs.StartRun(ctx, runstore.Run{
		ID:        t.runID,
		Manifest:  d.manifest.Path,
		OutputDir: t.outputDir,
		Params: map[string]any{
			"epochs":          t.cfg.Epochs,
			"batch_size":      t.cfg.BatchSize,
			"learning_rate":   t.cfg.LearningRate,
			"optimizer":       t.cfg.Optimizer,
			"scheduler":       t.cfg.Scheduler,
			"image_size":      t.cfg.ImageSize,
			"freeze_backbone": t.cfg.FreezeBackbone,
			"seed":            t.seed,
		},
		Samples:      d.manifest.Len(),
		TrainSamples: len(d.trainIdx),
		ValSamples:   len(d.valIdx),
	})
	if err != nil {
		t.log.Warn("run store unavailable, history will not be recorded", "err", err)
		t.runs = nil
	}
}

func (t *Trainer) finishRun(ctx context.Context, status string, res *Result, runErr error) {
	if t.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	out := runstore.Outcome{
		Status:          status,
		BestValAccuracy: res.BestValAccuracy,
		BestEpoch:       res.BestEpoch,
		Err:             runErr,
	}
	if res.Saved > 0 {
		out.ModelPath = res.ModelPath
	}
	if err := t.runs.FinishRun(ctx, t.runID, out); err != nil {
		t.log.Warn("could not finish run record", "err", err)
	}
}

func (t *Trainer) publish(ctx context.Context, d *data, res *Result) {
	if res.Saved > 0 && t.uploader != nil {
		obj, err := t.uploader.UploadCheckpoint(ctx, t.runID.String(), res.ModelPath, res.BestEpoch, res.BestValAccuracy)
		if err != nil {
			t.log.Error("checkpoint upload failed", "err", err)
		} else {
			res.Object = &obj
			t.log.Info("checkpoint uploaded", "uri", obj.URI(), "size", obj.Size)
		}
	}
	if t.publisher == nil {
		return
	}
	ev := events.ModelTrained{
		RunID:           t.runID.String(),
		Status:          runstore.StatusCompleted,
		Manifest:        d.manifest.Path,
		BestValAccuracy: res.BestValAccuracy,
		BestEpoch:       res.BestEpoch,
		Epochs:          res.Epochs,
		Samples:         d.manifest.Len(),
		FinishedAt:      time.Now().UTC(),
	}
	if res.Saved > 0 {
		ev.ModelPath = res.ModelPath
	}
	if res.Object != nil {
		ev.ObjectURI = res.Object.URI()
	}
	if err := t.publisher.PublishModelTrained(ctx, ev); err != nil {
		t.log.Error("publishing model.trained failed", "err", err)
	}
}
