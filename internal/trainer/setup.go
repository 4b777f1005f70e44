package trainer

import (
	"fmt"
	"math/rand"

	"highlight/internal/checkpoint"
	"highlight/internal/dataset"
	"highlight/internal/manifest"
	"highlight/internal/model"
	flow "highlight/src"
)

// data is the prepared input of a run.
type data struct {
	manifest *manifest.Manifest
	frames   *dataset.Frames
	train    *dataset.Loader
	val      *dataset.Loader
	trainIdx []int
	valIdx   []int
}

// prepare loads and validates the manifest, then splits it and builds the
// two loaders. Every check happens here, before any training step.
func (t *Trainer) prepare() (*data, error) {
	fmt.Fprintf(t.out, "\nLoading dataset from %s...\n", t.cfg.Manifest)

	m, err := manifest.Load(t.cfg.Manifest)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(manifest.NumClasses); err != nil {
		return nil, err
	}
	if t.cfg.VerifyFrames {
		if err := m.VerifyFrames(5); err != nil {
			return nil, err
		}
	}
	counts := m.Counts(manifest.NumClasses)
	fmt.Fprintf(t.out, "  - Highlights: %d\n", counts[manifest.LabelHighlight])
	fmt.Fprintf(t.out, "  - Normal: %d\n", counts[manifest.LabelNormal])

	frames := dataset.FromManifest(m)
	trainIdx, valIdx, err := dataset.Split(frames.Len(), t.cfg.TrainFraction(), rand.New(rand.NewSource(t.seed)))
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(t.out, "Training samples: %d\n", len(trainIdx))
	fmt.Fprintf(t.out, "Validation samples: %d\n", len(valIdx))
	t.log.Debug("split", "train_classes", frames.CountLabels(trainIdx, manifest.NumClasses),
		"val_classes", frames.CountLabels(valIdx, manifest.NumClasses))

	train, err := dataset.NewLoader(frames, trainIdx, dataset.LoaderConfig{
		BatchSize: t.cfg.BatchSize,
		Shuffle:   true,
		Workers:   t.cfg.Workers,
		Prefetch:  t.cfg.Prefetch,
		Seed:      t.seed,
		Transform: dataset.TrainTransform(t.cfg.ImageSize),
	})
	if err != nil {
		return nil, err
	}
	val, err := dataset.NewLoader(frames, valIdx, dataset.LoaderConfig{
		BatchSize: t.cfg.BatchSize,
		Workers:   t.cfg.Workers,
		Prefetch:  t.cfg.Prefetch,
		Seed:      t.seed,
		Transform: dataset.EvalTransform(t.cfg.ImageSize),
	})
	if err != nil {
		return nil, err
	}

	return &data{manifest: m, frames: frames, train: train, val: val, trainIdx: trainIdx, valIdx: valIdx}, nil
}

// buildModel creates the classifier, seeds its backbone and compiles it.
func (t *Trainer) buildModel() (*model.Classifier, error) {
	fmt.Fprintln(t.out, "\nInitializing model...")

	mcfg := model.DefaultConfig(t.cfg.ImageSize)
	if t.modelConfig != nil {
		mcfg = *t.modelConfig
		mcfg.ImageSize = t.cfg.ImageSize
	}
	mcfg.Seed = t.seed

	clf, err := model.New(mcfg, t.log)
	if err != nil {
		return nil, err
	}

	if t.cfg.BackboneWeights != "" {
		sd, err := checkpoint.LoadWeights(t.cfg.BackboneWeights)
		if err != nil {
			return nil, err
		}
		if _, err := clf.LoadBackbone(sd); err != nil {
			return nil, err
		}
	} else {
		t.log.Warn("no pre-trained backbone weights given, training from scratch")
	}
	if t.cfg.FreezeBackbone {
		n := clf.FreezeBackbone()
		t.log.Info("froze backbone", "layers", n)
	}

	if err := clf.Net.Compile(flow.CompileConfig{
		Optimizer: t.optimizer(),
		Loss:      flow.SoftmaxCrossEntropy(flow.CrossEntropyConfig{LabelSmoothing: t.cfg.LabelSmoothing}),
		Metrics: []flow.Metric{
			flow.Accuracy(),
			flow.Precision(flow.PrecisionConfig{PositiveClass: manifest.LabelHighlight}),
			flow.Recall(flow.RecallConfig{PositiveClass: manifest.LabelHighlight}),
			flow.F1Score(flow.F1Config{PositiveClass: manifest.LabelHighlight}),
		},
		Scheduler:    t.scheduler(),
		Monitor:      "val_accuracy",
		GradientClip: flow.GradientClipConfig{Mode: "none"},
	}); err != nil {
		return nil, err
	}

	fmt.Fprintf(t.out, "  %s\n", clf.Summary())
	return clf, nil
}

func (t *Trainer) optimizer() flow.Optimizer {
	switch t.cfg.Optimizer {
	case "adamw":
		return flow.AdamW(flow.AdamWConfig{
			LR: t.cfg.LearningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: t.cfg.WeightDecay,
		})
	case "sgd":
		return flow.SGD(flow.SGDConfig{LR: t.cfg.LearningRate, Momentum: 0.9, WeightDecay: t.cfg.WeightDecay})
	default:
		return flow.Adam(flow.AdamConfig{
			LR: t.cfg.LearningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: t.cfg.WeightDecay,
		})
	}
}

func (t *Trainer) scheduler() flow.Scheduler {
	switch t.cfg.Scheduler {
	case "step":
		return flow.StepDecay(flow.StepDecayConfig{StepSize: 10, Gamma: t.cfg.PlateauFactor})
	case "cosine":
		return flow.CosineAnnealing(flow.CosineAnnealingConfig{TMax: t.cfg.Epochs, EtaMax: t.cfg.LearningRate})
	case "constant":
		return flow.ConstantLR()
	default:
		return flow.ReduceLROnPlateau(flow.PlateauConfig{
			Mode:      "max",
			Factor:    t.cfg.PlateauFactor,
			Patience:  t.cfg.PlateauPatience,
			Threshold: 1e-4,
		})
	}
}
