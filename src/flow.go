// Package flow is the neural network engine behind the highlight trainer.
//
// Flow keeps the power-user API of explicit configuration: every
// hyperparameter is passed in a config struct and nothing is defaulted
// behind the caller's back. Images are NHWC float64 tensors and class
// targets are integer indices.
//
// Basic usage:
//
//	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: 42}).
//		AddNamed("stem.conv", flow.Conv2D(16, [2]int{3, 3}).
//			WithStride(2, 2).
//			WithPadding("same").
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.HeNormal(1.0)).
//			WithBias(false).
//			Build()).
//		AddNamed("stem.bn", flow.BatchNorm(1e-5, 0.1).Build()).
//		AddNamed("stem.relu", flow.Activate(flow.ReLU()).Build()).
//		AddNamed("pool", flow.GlobalAvgPool2D().Build()).
//		AddNamed("fc", flow.Dense(2).
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.XavierNormal(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{64, 64, 3})
//
//	err = net.Compile(flow.CompileConfig{
//		Optimizer: flow.Adam(flow.AdamConfig{
//			LR:      0.001,
//			Beta1:   0.9,
//			Beta2:   0.999,
//			Epsilon: 1e-8,
//		}),
//		Loss:      flow.SoftmaxCrossEntropy(flow.CrossEntropyConfig{LabelSmoothing: 0}),
//		Metrics:   []flow.Metric{flow.Accuracy()},
//		Scheduler: flow.ReduceLROnPlateau(flow.PlateauConfig{
//			Mode:      "max",
//			Factor:    0.5,
//			Patience:  5,
//			Threshold: 1e-4,
//		}),
//		Monitor:      "val_accuracy",
//		GradientClip: flow.GradientClipConfig{Mode: "none"},
//	})
//
//	history, err := net.Fit(ctx, trainSource, valSource, flow.FitConfig{Epochs: 50}, callbacks)
package flow

import (
	"io"
	"log/slog"
)

// Version of the Flow engine
const Version = "1.1.0"

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger routes engine log records (LR reductions, early stops) to l.
// A nil logger silences the engine.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = l
}
