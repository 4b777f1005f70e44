// Package model builds the highlight classifier: a small residual CNN
// backbone followed by a replaced two-class head.
package model

import (
	"fmt"
	"log/slog"
	"strings"

	flow "highlight/src"
)

// Arch identifies the layer layout stored in checkpoints.
const Arch = "resnet-mini"

// NumClasses is the head's output width: normal and highlight.
const NumClasses = 2

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// Config describes the network.
type Config struct {
	ImageSize  int
	StemWidth  int
	Widths     []int // residual stage widths
	Strides    []int // residual stage strides
	HeadHidden int
	Dropout    [2]float64 // before head.fc1 and before head.fc2
	Seed       int64
}

// DefaultConfig is the layout used for training from the command line.
func DefaultConfig(imageSize int) Config {
	return Config{
		ImageSize:  imageSize,
		StemWidth:  16,
		Widths:     []int{16, 32, 64},
		Strides:    []int{1, 2, 2},
		HeadHidden: 256,
		Dropout:    [2]float64{0.3, 0.2},
	}
}

// Classifier wraps the built network with the backbone/head boundary.
type Classifier struct {
	Net    *flow.Network
	Config Config
	log    *slog.Logger
}

// New builds the network with freshly initialised weights.
func New(cfg Config, log *slog.Logger) (*Classifier, error) {
	if cfg.ImageSize < 8 {
		return nil, fmt.Errorf("model: image size must be >= 8, got %d", cfg.ImageSize)
	}
	if len(cfg.Widths) == 0 || len(cfg.Widths) != len(cfg.Strides) {
		return nil, fmt.Errorf("model: %d stage widths for %d strides", len(cfg.Widths), len(cfg.Strides))
	}
	if log == nil {
		log = slog.Default()
	}

	b := flow.NewNetwork(flow.NetworkConfig{Seed: cfg.Seed}).
		AddNamed("stem.conv", flow.Conv2D(cfg.StemWidth, [2]int{3, 3}).WithStride(2, 2).WithPadding("same").
			WithActivation(flow.Linear()).WithInitializer(flow.HeNormal(1.0)).WithBias(false).Build()).
		AddNamed("stem.bn", flow.BatchNorm(bnEpsilon, bnMomentum).Build()).
		AddNamed("stem.relu", flow.Activate(flow.ReLU()).Build()).
		AddNamed("stem.pool", flow.MaxPool2D([2]int{2, 2}).Build())
	for i, w := range cfg.Widths {
		b = b.AddNamed(fmt.Sprintf("layer%d", i+1), flow.ResidualBlock(w, cfg.Strides[i]).WithBatchNorm(bnEpsilon, bnMomentum).Build())
	}
	b = b.AddNamed("pool", flow.GlobalAvgPool2D().Build()).
		AddNamed("head.drop1", flow.Dropout(cfg.Dropout[0]).Build()).
		AddNamed("head.fc1", flow.Dense(cfg.HeadHidden).WithActivation(flow.ReLU()).
			WithInitializer(flow.HeNormal(1.0)).WithBiasInitializer(flow.Zeros()).WithBias(true).Build()).
		AddNamed("head.drop2", flow.Dropout(cfg.Dropout[1]).Build()).
		AddNamed("head.fc2", flow.Dense(NumClasses).WithActivation(flow.Linear()).
			WithInitializer(flow.XavierUniform(1.0)).WithBiasInitializer(flow.Zeros()).WithBias(true).Build())

	net, err := b.Build([]int{cfg.ImageSize, cfg.ImageSize, 3})
	if err != nil {
		return nil, fmt.Errorf("model: build: %w", err)
	}
	if out := net.OutputShape(); len(out) != 1 || out[0] != NumClasses {
		return nil, fmt.Errorf("model: output shape %v, want [%d]", out, NumClasses)
	}
	return &Classifier{Net: net, Config: cfg, log: log}, nil
}

// IsBackbone reports whether a layer or parameter name belongs to the
// feature extractor rather than the head.
func IsBackbone(name string) bool {
	return !strings.HasPrefix(name, "head.")
}

// BackboneState filters sd down to backbone entries.
func BackboneState(sd flow.StateDict) flow.StateDict {
	out := make(flow.StateDict, 0, len(sd))
	for _, nt := range sd {
		if IsBackbone(nt.Name) {
			out = append(out, nt)
		}
	}
	return out
}

// LoadBackbone copies pre-trained backbone weights into the network. Head
// entries in sd are ignored so a checkpoint of any head can seed a new
// one. Backbone parameters absent from sd keep their initialisation and
// are logged; a shape mismatch is an error.
func (c *Classifier) LoadBackbone(sd flow.StateDict) (flow.LoadReport, error) {
	report, err := c.Net.LoadStateDict(BackboneState(sd), false)
	if err != nil {
		return report, fmt.Errorf("model: load backbone: %w", err)
	}

	var missing []string
	for _, name := range report.Missing {
		if IsBackbone(name) {
			missing = append(missing, name)
		}
	}
	report.Missing = missing
	if len(missing) > 0 {
		c.log.Warn("backbone weights missing, using fresh initialisation",
			"missing", len(missing), "first", missing[0])
	}
	if len(report.Unexpected) > 0 {
		c.log.Warn("ignoring unknown backbone weights", "count", len(report.Unexpected))
	}
	c.log.Info("loaded backbone weights", "tensors", len(report.Loaded))
	return report, nil
}

// FreezeBackbone stops the optimizer from updating feature extractor
// layers and returns how many were frozen.
func (c *Classifier) FreezeBackbone() int {
	var prefixes []string
	for _, name := range c.Net.LayerNames() {
		if IsBackbone(name) {
			prefixes = append(prefixes, name)
		}
	}
	return c.Net.FreezeMatching(prefixes...)
}

// Summary is a one-line description for logs.
func (c *Classifier) Summary() string {
	return fmt.Sprintf("%s %dx%d widths=%v head=%d params=%d trainable=%d",
		Arch, c.Config.ImageSize, c.Config.ImageSize, c.Config.Widths, c.Config.HeadHidden,
		c.Net.TotalParameters(), c.Net.TrainableParameters())
}
