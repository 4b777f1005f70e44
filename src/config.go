package flow

// CompileConfig holds model compilation settings - ALL fields required
// except Scheduler and Metrics
type CompileConfig struct {
	Optimizer    Optimizer
	Loss         Loss
	Metrics      []Metric
	Scheduler    Scheduler // nil keeps the learning rate constant
	Monitor      string    // epoch log key fed to the scheduler, e.g. "val_accuracy"
	GradientClip GradientClipConfig
}

// GradientClipConfig for gradient clipping
type GradientClipConfig struct {
	Mode     string // "norm", "value", or "none"
	MaxNorm  float64
	MaxValue float64
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed int64
}

// FitConfig controls the training loop
type FitConfig struct {
	Epochs int
}

// ValidateFitConfig checks all required fields are set
func ValidateFitConfig(cfg FitConfig) error {
	if cfg.Epochs <= 0 {
		return errorf("Epochs must be > 0, got %d", cfg.Epochs)
	}
	return nil
}

// ValidateCompileConfig checks all required fields are set
func ValidateCompileConfig(cfg CompileConfig) error {
	if cfg.Optimizer == nil {
		return errorf("Optimizer is required")
	}
	if cfg.Loss == nil {
		return errorf("Loss is required")
	}
	if cfg.Scheduler != nil && cfg.Monitor == "" {
		return errorf("Monitor is required when a Scheduler is set")
	}
	switch cfg.GradientClip.Mode {
	case "none":
	case "norm":
		if cfg.GradientClip.MaxNorm <= 0 {
			return errorf("GradientClip.MaxNorm must be > 0, got %g", cfg.GradientClip.MaxNorm)
		}
	case "value":
		if cfg.GradientClip.MaxValue <= 0 {
			return errorf("GradientClip.MaxValue must be > 0, got %g", cfg.GradientClip.MaxValue)
		}
	case "":
		return errorf("GradientClip.Mode is required - use 'none' if not needed")
	default:
		return errorf("unknown GradientClip.Mode %q", cfg.GradientClip.Mode)
	}
	return nil
}
