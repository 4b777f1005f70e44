package flow

import "math"

// Scheduler adjusts the learning rate once per epoch, after validation.
// epoch is the 0-based index of the epoch that just finished and metric is
// the monitored value for that epoch (ignored by epoch-indexed schedules).
type Scheduler interface {
	step(epoch int, metric float64, currentLR float64) float64
	name() string
}

// ReduceLROnPlateauScheduler multiplies the learning rate by Factor once
// the monitored metric has failed to improve for more than Patience
// consecutive epochs.
type ReduceLROnPlateauScheduler struct {
	Mode      string  // "max" or "min"
	Factor    float64 // in (0, 1)
	Patience  int
	Threshold float64 // relative improvement required
	Cooldown  int
	MinLR     float64

	best            float64
	badEpochs       int
	cooldownCounter int
	initialized     bool
}

type PlateauConfig struct {
	Mode      string
	Factor    float64
	Patience  int
	Threshold float64
	Cooldown  int
	MinLR     float64
}

func ReduceLROnPlateau(config PlateauConfig) Scheduler {
	return &ReduceLROnPlateauScheduler{
		Mode:      config.Mode,
		Factor:    config.Factor,
		Patience:  config.Patience,
		Threshold: config.Threshold,
		Cooldown:  config.Cooldown,
		MinLR:     config.MinLR,
	}
}

func (r *ReduceLROnPlateauScheduler) improved(metric float64) bool {
	if r.Mode == "min" {
		return metric < r.best*(1-r.Threshold)
	}
	return metric > r.best*(1+r.Threshold)
}

func (r *ReduceLROnPlateauScheduler) step(epoch int, metric float64, currentLR float64) float64 {
	if !r.initialized {
		r.best = math.Inf(-1)
		if r.Mode == "min" {
			r.best = math.Inf(1)
		}
		r.initialized = true
	}

	if r.improved(metric) {
		r.best = metric
		r.badEpochs = 0
	} else {
		r.badEpochs++
	}

	if r.cooldownCounter > 0 {
		r.cooldownCounter--
		r.badEpochs = 0
	}

	if r.badEpochs > r.Patience {
		r.badEpochs = 0
		r.cooldownCounter = r.Cooldown
		newLR := math.Max(currentLR*r.Factor, r.MinLR)
		if currentLR-newLR > 1e-8 {
			logger.Info("reducing learning rate", "epoch", epoch+1, "from", currentLR, "to", newLR)
			return newLR
		}
	}
	return currentLR
}

func (r *ReduceLROnPlateauScheduler) name() string { return "reduce_lr_on_plateau" }

// StepDecayScheduler - multiplies LR by Gamma every StepSize epochs
type StepDecayScheduler struct {
	StepSize int
	Gamma    float64
}

type StepDecayConfig struct {
	StepSize int
	Gamma    float64
}

func StepDecay(config StepDecayConfig) Scheduler {
	return &StepDecayScheduler{
		StepSize: config.StepSize,
		Gamma:    config.Gamma,
	}
}

func (s *StepDecayScheduler) step(epoch int, metric float64, currentLR float64) float64 {
	if s.StepSize > 0 && (epoch+1)%s.StepSize == 0 {
		return currentLR * s.Gamma
	}
	return currentLR
}

func (s *StepDecayScheduler) name() string { return "step_decay" }

// CosineAnnealingScheduler - cosine annealing from EtaMax to EtaMin over
// TMax epochs
type CosineAnnealingScheduler struct {
	TMax   int
	EtaMin float64
	EtaMax float64
}

type CosineAnnealingConfig struct {
	TMax   int
	EtaMin float64
	EtaMax float64
}

func CosineAnnealing(config CosineAnnealingConfig) Scheduler {
	return &CosineAnnealingScheduler{
		TMax:   config.TMax,
		EtaMin: config.EtaMin,
		EtaMax: config.EtaMax,
	}
}

func (c *CosineAnnealingScheduler) step(epoch int, metric float64, currentLR float64) float64 {
	if c.TMax <= 0 {
		return currentLR
	}
	t := math.Min(float64(epoch+1), float64(c.TMax))
	return c.EtaMin + 0.5*(c.EtaMax-c.EtaMin)*(1+math.Cos(math.Pi*t/float64(c.TMax)))
}

func (c *CosineAnnealingScheduler) name() string { return "cosine_annealing" }

// ConstantScheduler - no change to learning rate
type ConstantScheduler struct{}

func ConstantLR() Scheduler { return &ConstantScheduler{} }

func (c *ConstantScheduler) step(epoch int, metric float64, currentLR float64) float64 {
	return currentLR
}

func (c *ConstantScheduler) name() string { return "constant" }
