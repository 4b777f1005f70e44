// Package evaluate scores a saved checkpoint against a labelled manifest.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"highlight/internal/checkpoint"
	"highlight/internal/dataset"
	"highlight/internal/manifest"
	"highlight/internal/model"
	flow "highlight/src"
)

var ErrIncompatible = errors.New("evaluate: checkpoint does not match this classifier")

// Restore rebuilds the network described by ck.Meta and loads its weights
// strictly. The result is compiled and ready for Evaluate and Predict.
func Restore(ck *checkpoint.Checkpoint, log *slog.Logger) (*model.Classifier, error) {
	meta := ck.Meta
	if meta.Arch != "" && meta.Arch != model.Arch {
		return nil, fmt.Errorf("%w: arch %q", ErrIncompatible, meta.Arch)
	}
	if meta.NumClasses != 0 && meta.NumClasses != model.NumClasses {
		return nil, fmt.Errorf("%w: %d classes", ErrIncompatible, meta.NumClasses)
	}
	if meta.ImageSize == 0 {
		return nil, fmt.Errorf("%w: no image size recorded", ErrIncompatible)
	}

	cfg := model.DefaultConfig(meta.ImageSize)
	if meta.StemWidth > 0 {
		cfg.StemWidth = meta.StemWidth
	}
	if len(meta.Widths) > 0 {
		cfg.Widths = meta.Widths
		cfg.Strides = meta.Strides
	}
	if meta.HeadHidden > 0 {
		cfg.HeadHidden = meta.HeadHidden
	}

	clf, err := model.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if _, err := clf.Net.LoadStateDict(ck.Model, true); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	err = clf.Net.Compile(flow.CompileConfig{
		// never stepped; Compile needs one
		Optimizer: flow.Adam(flow.AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}),
		Loss:      flow.SoftmaxCrossEntropy(flow.CrossEntropyConfig{}),
		Metrics: []flow.Metric{
			flow.Accuracy(),
			flow.Precision(flow.PrecisionConfig{PositiveClass: manifest.LabelHighlight}),
			flow.Recall(flow.RecallConfig{PositiveClass: manifest.LabelHighlight}),
			flow.F1Score(flow.F1Config{PositiveClass: manifest.LabelHighlight}),
		},
		GradientClip: flow.GradientClipConfig{Mode: "none"},
	})
	if err != nil {
		return nil, err
	}
	return clf, nil
}

// Prediction is the classifier's verdict on one frame.
type Prediction struct {
	Path      string  `json:"path"`
	Label     int     `json:"label"`
	Predicted int     `json:"predicted"`
	Score     float64 `json:"highlight_probability"`
}

// Report holds the aggregate metrics of an evaluation. Confusion is
// indexed [label][predicted].
type Report struct {
	Logs        flow.Logs
	Confusion   [model.NumClasses][model.NumClasses]int
	Predictions []Prediction
}

type Options struct {
	BatchSize int
	Workers   int
}

// Run scores every frame with the evaluation transform.
func Run(ctx context.Context, clf *model.Classifier, frames *dataset.Frames, opts Options) (*Report, error) {
	indices := make([]int, frames.Len())
	for i := range indices {
		indices[i] = i
	}
	loader, err := dataset.NewLoader(frames, indices, dataset.LoaderConfig{
		BatchSize: opts.BatchSize,
		Workers:   opts.Workers,
		Prefetch:  1,
		Transform: dataset.EvalTransform(clf.Config.ImageSize),
	})
	if err != nil {
		return nil, err
	}

	logs, err := clf.Net.Evaluate(ctx, loader, nil)
	if err != nil {
		return nil, err
	}
	report := &Report{Logs: logs}

	it, err := loader.Iterate(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	order := loader.Order(0)
	for pos := 0; ; {
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		logits, err := clf.Net.Predict(b.Images, len(b.Labels))
		if err != nil {
			return nil, err
		}
		for i, row := range logits {
			p := Prediction{
				Path:      frames.Paths[order[pos]],
				Label:     b.Labels[i],
				Predicted: argmax(row),
				Score:     probabilities(row)[manifest.LabelHighlight],
			}
			report.Confusion[p.Label][p.Predicted]++
			report.Predictions = append(report.Predictions, p)
			pos++
		}
	}
	return report, nil
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func probabilities(logits []float64) []float64 {
	p := append([]float64(nil), logits...)
	flow.Softmax(p)
	return p
}
