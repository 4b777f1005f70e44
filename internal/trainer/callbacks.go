package trainer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"highlight/internal/checkpoint"
	"highlight/internal/model"
	"highlight/internal/runstore"
	flow "highlight/src"
)

func phaseLabel(p flow.Phase) string {
	if p == flow.PhaseTrain {
		return "Train"
	}
	return "Val"
}

// progressCallback draws one bar per phase with the running loss and
// accuracy, and counts batches for the metrics registry.
func (t *Trainer) progressCallback() flow.Callback {
	var bar *progressbar.ProgressBar
	return flow.Lambda(flow.LambdaConfig{
		Name: "progress",
		OnPhaseBegin: func(epoch int, phase flow.Phase, batches int) {
			if !t.cfg.Progress {
				return
			}
			bar = progressbar.NewOptions(batches,
				progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d [%s]", epoch+1, t.cfg.Epochs, phaseLabel(phase))),
				progressbar.OptionSetWriter(t.progress),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)
		},
		OnBatchEnd: func(epoch int, phase flow.Phase, batch int, logs flow.Logs) {
			if t.metrics != nil {
				t.metrics.ObserveBatch(phase)
			}
			if bar == nil {
				return
			}
			bar.Describe(fmt.Sprintf("Epoch %d/%d [%s] loss=%.4f acc=%.2f%%",
				epoch+1, t.cfg.Epochs, phaseLabel(phase), logs["loss"], logs["accuracy"]))
			bar.Add(1)
		},
		OnPhaseEnd: func(epoch int, phase flow.Phase, logs flow.Logs) {
			if bar == nil {
				return
			}
			bar.Finish()
			bar = nil
		},
	})
}

// checkpointCallback overwrites model.pth whenever validation accuracy
// beats the best so far, starting from 0.
func (t *Trainer) checkpointCallback(clf *model.Classifier) *flow.ModelCheckpointCallback {
	meta := checkpoint.Meta{
		RunID:      t.runID.String(),
		Arch:       model.Arch,
		ImageSize:  clf.Config.ImageSize,
		StemWidth:  clf.Config.StemWidth,
		Widths:     clf.Config.Widths,
		Strides:    clf.Config.Strides,
		HeadHidden: clf.Config.HeadHidden,
		NumClasses: model.NumClasses,
	}
	return flow.ModelCheckpoint(flow.ModelCheckpointConfig{
		Monitor:  "val_accuracy",
		Mode:     "max",
		Baseline: 0,
		Save: func(epoch int, logs flow.Logs) error {
			opt, err := clf.Net.OptimizerState()
			if err != nil {
				return err
			}
			m := meta
			m.CreatedAt = time.Now().UTC()
			if err := checkpoint.Save(t.ModelPath(), &checkpoint.Checkpoint{
				Epoch:       epoch,
				ValAccuracy: logs["val_accuracy"],
				Model:       clf.Net.StateDict(),
				Optimizer:   opt,
				Meta:        m,
			}); err != nil {
				return err
			}
			if t.metrics != nil {
				t.metrics.ObserveCheckpoint(logs["val_accuracy"])
			}
			t.log.Debug("checkpoint written", "epoch", epoch+1, "val_accuracy", logs["val_accuracy"])
			return nil
		},
	})
}

// epochCallback prints the epoch summary and records the epoch in the
// metrics registry and the run store. It must run after saver so it can
// tell whether this epoch produced a checkpoint.
func (t *Trainer) epochCallback(saver *flow.ModelCheckpointCallback) flow.Callback {
	var started time.Time
	return flow.Lambda(flow.LambdaConfig{
		Name: "epoch_summary",
		OnEpochBegin: func(epoch int) error {
			started = time.Now()
			return nil
		},
		OnEpochEnd: func(epoch int, logs flow.Logs) (bool, error) {
			took := time.Since(started)
			_, bestEpoch, _ := saver.Best()
			saved := bestEpoch == epoch

			fmt.Fprintf(t.out, "\nEpoch %d/%d Summary:\n", epoch+1, t.cfg.Epochs)
			fmt.Fprintf(t.out, "  Train Loss: %.4f | Train Acc: %.2f%%\n", logs["loss"], logs["accuracy"])
			fmt.Fprintf(t.out, "  Val Loss:   %.4f | Val Acc:   %.2f%%\n", logs["val_loss"], logs["val_accuracy"])
			fmt.Fprintf(t.out, "  Highlight Precision: %.4f | Recall: %.4f | F1: %.4f\n",
				logs["val_precision"], logs["val_recall"], logs["val_f1"])
			if logs["next_lr"] != logs["lr"] {
				fmt.Fprintf(t.out, "  Learning Rate: %.6f -> %.6f\n", logs["lr"], logs["next_lr"])
			} else {
				fmt.Fprintf(t.out, "  Learning Rate: %.6f\n", logs["lr"])
			}
			if saved {
				fmt.Fprintf(t.out, "  ✓ Saved best model (Val Acc: %.2f%%)\n", logs["val_accuracy"])
			}
			fmt.Fprintln(t.out, strings.Repeat("-", ruleWidth))

			t.log.Info("epoch finished", "epoch", epoch+1, "loss", logs["loss"], "val_loss", logs["val_loss"],
				"val_accuracy", logs["val_accuracy"], "lr", logs["lr"], "took", took.Round(time.Millisecond))

			if t.metrics != nil {
				t.metrics.ObserveEpoch(epoch, logs, took)
				if path := t.cfg.Metrics.Textfile; path != "" {
					if err := t.metrics.WriteTextfile(path); err != nil {
						t.log.Warn("could not write metrics textfile", "path", path, "err", err)
					}
				}
			}
			if t.runs != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := t.runs.RecordEpoch(ctx, t.runID, runstore.Epoch{
					Epoch:         epoch,
					TrainLoss:     logs["loss"],
					TrainAccuracy: logs["accuracy"],
					ValLoss:       logs["val_loss"],
					ValAccuracy:   logs["val_accuracy"],
					LR:            logs["lr"],
					NextLR:        logs["next_lr"],
					Saved:         saved,
					Duration:      took,
				})
				if err != nil {
					t.log.Warn("could not record epoch", "epoch", epoch+1, "err", err)
				}
			}
			return false, nil
		},
	})
}
