package flow

import (
	"math"
)

// Logs maps metric names ("loss", "val_accuracy", "lr") to values.
type Logs map[string]float64

// Phase identifies the half of an epoch a batch belongs to.
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
)

// Callback is called during Fit at various points. Epochs and batches are
// 0-based.
type Callback interface {
	onTrainBegin(logs Logs) error
	onTrainEnd(logs Logs) error
	onEpochBegin(epoch int) error
	onPhaseBegin(epoch int, phase Phase, batches int)
	onBatchEnd(epoch int, phase Phase, batch int, logs Logs)
	onPhaseEnd(epoch int, phase Phase, logs Logs)
	onEpochEnd(epoch int, logs Logs) (stop bool, err error) // stop=true ends training
	name() string
}

// EarlyStoppingCallback stops training when a metric stops improving
type EarlyStoppingCallback struct {
	Monitor      string
	MinDelta     float64
	Patience     int
	Mode         string // "min" or "max"
	bestValue    float64
	wait         int
	StoppedEpoch int
}

type EarlyStoppingConfig struct {
	Monitor  string
	MinDelta float64
	Patience int
	Mode     string
}

func EarlyStopping(config EarlyStoppingConfig) Callback {
	return &EarlyStoppingCallback{
		Monitor:      config.Monitor,
		MinDelta:     config.MinDelta,
		Patience:     config.Patience,
		Mode:         config.Mode,
		StoppedEpoch: -1,
	}
}

func (e *EarlyStoppingCallback) onTrainBegin(logs Logs) error {
	e.wait = 0
	e.StoppedEpoch = -1
	if e.Mode == "max" {
		e.bestValue = math.Inf(-1)
	} else {
		e.bestValue = math.Inf(1)
	}
	if e.Patience <= 0 {
		return errorf("EarlyStopping patience must be > 0, got %d", e.Patience)
	}
	return nil
}

func (e *EarlyStoppingCallback) onEpochEnd(epoch int, logs Logs) (bool, error) {
	current, ok := logs[e.Monitor]
	if !ok {
		return false, errorf("EarlyStopping monitor %q not in epoch logs", e.Monitor)
	}

	var improved bool
	if e.Mode == "max" {
		improved = current > e.bestValue+e.MinDelta
	} else {
		improved = current < e.bestValue-e.MinDelta
	}

	if improved {
		e.bestValue = current
		e.wait = 0
		return false, nil
	}
	e.wait++
	if e.wait >= e.Patience {
		e.StoppedEpoch = epoch
		logger.Info("early stopping", "epoch", epoch+1, "monitor", e.Monitor, "best", e.bestValue)
		return true, nil
	}
	return false, nil
}

func (e *EarlyStoppingCallback) onTrainEnd(logs Logs) error                  { return nil }
func (e *EarlyStoppingCallback) onEpochBegin(epoch int) error                { return nil }
func (e *EarlyStoppingCallback) onPhaseBegin(epoch int, p Phase, batches int) {}
func (e *EarlyStoppingCallback) onBatchEnd(epoch int, p Phase, b int, l Logs) {}
func (e *EarlyStoppingCallback) onPhaseEnd(epoch int, p Phase, logs Logs)     {}
func (e *EarlyStoppingCallback) name() string                                 { return "early_stopping" }

// ModelCheckpointCallback calls Save whenever the monitored metric strictly
// improves on the best value seen so far. The best value starts at
// Baseline, so an epoch that merely equals it does not save.
type ModelCheckpointCallback struct {
	Monitor  string
	Mode     string // "min" or "max"
	Baseline float64
	Save     func(epoch int, logs Logs) error

	best      float64
	bestEpoch int
	saves     int
}

type ModelCheckpointConfig struct {
	Monitor  string
	Mode     string
	Baseline float64
	Save     func(epoch int, logs Logs) error
}

func ModelCheckpoint(config ModelCheckpointConfig) *ModelCheckpointCallback {
	return &ModelCheckpointCallback{
		Monitor:   config.Monitor,
		Mode:      config.Mode,
		Baseline:  config.Baseline,
		Save:      config.Save,
		best:      config.Baseline,
		bestEpoch: -1,
	}
}

// Best returns the best monitored value, the epoch it was reached (-1 if
// never) and how many times Save ran.
func (m *ModelCheckpointCallback) Best() (value float64, epoch int, saves int) {
	return m.best, m.bestEpoch, m.saves
}

func (m *ModelCheckpointCallback) onTrainBegin(logs Logs) error {
	if m.Save == nil {
		return errorf("ModelCheckpoint requires a Save function")
	}
	if m.Mode != "min" && m.Mode != "max" {
		return errorf("ModelCheckpoint mode must be 'min' or 'max', got %q", m.Mode)
	}
	m.best = m.Baseline
	m.bestEpoch = -1
	m.saves = 0
	return nil
}

func (m *ModelCheckpointCallback) onEpochEnd(epoch int, logs Logs) (bool, error) {
	current, ok := logs[m.Monitor]
	if !ok {
		return false, errorf("ModelCheckpoint monitor %q not in epoch logs", m.Monitor)
	}
	improved := current > m.best
	if m.Mode == "min" {
		improved = current < m.best
	}
	if !improved {
		return false, nil
	}
	if err := m.Save(epoch, logs); err != nil {
		return false, err
	}
	m.best = current
	m.bestEpoch = epoch
	m.saves++
	return false, nil
}

func (m *ModelCheckpointCallback) onTrainEnd(logs Logs) error                  { return nil }
func (m *ModelCheckpointCallback) onEpochBegin(epoch int) error                { return nil }
func (m *ModelCheckpointCallback) onPhaseBegin(epoch int, p Phase, batches int) {}
func (m *ModelCheckpointCallback) onBatchEnd(epoch int, p Phase, b int, l Logs) {}
func (m *ModelCheckpointCallback) onPhaseEnd(epoch int, p Phase, logs Logs)     {}
func (m *ModelCheckpointCallback) name() string                                 { return "model_checkpoint" }

// LambdaCallback adapts plain functions to Callback. Nil fields are
// skipped.
type LambdaCallback struct {
	cfg LambdaConfig
}

type LambdaConfig struct {
	Name         string
	OnTrainBegin func(logs Logs) error
	OnTrainEnd   func(logs Logs) error
	OnEpochBegin func(epoch int) error
	OnPhaseBegin func(epoch int, phase Phase, batches int)
	OnBatchEnd   func(epoch int, phase Phase, batch int, logs Logs)
	OnPhaseEnd   func(epoch int, phase Phase, logs Logs)
	OnEpochEnd   func(epoch int, logs Logs) (bool, error)
}

func Lambda(config LambdaConfig) Callback {
	return &LambdaCallback{cfg: config}
}

func (l *LambdaCallback) onTrainBegin(logs Logs) error {
	if l.cfg.OnTrainBegin == nil {
		return nil
	}
	return l.cfg.OnTrainBegin(logs)
}

func (l *LambdaCallback) onTrainEnd(logs Logs) error {
	if l.cfg.OnTrainEnd == nil {
		return nil
	}
	return l.cfg.OnTrainEnd(logs)
}

func (l *LambdaCallback) onEpochBegin(epoch int) error {
	if l.cfg.OnEpochBegin == nil {
		return nil
	}
	return l.cfg.OnEpochBegin(epoch)
}

func (l *LambdaCallback) onPhaseBegin(epoch int, phase Phase, batches int) {
	if l.cfg.OnPhaseBegin != nil {
		l.cfg.OnPhaseBegin(epoch, phase, batches)
	}
}

func (l *LambdaCallback) onBatchEnd(epoch int, phase Phase, batch int, logs Logs) {
	if l.cfg.OnBatchEnd != nil {
		l.cfg.OnBatchEnd(epoch, phase, batch, logs)
	}
}

func (l *LambdaCallback) onPhaseEnd(epoch int, phase Phase, logs Logs) {
	if l.cfg.OnPhaseEnd != nil {
		l.cfg.OnPhaseEnd(epoch, phase, logs)
	}
}

func (l *LambdaCallback) onEpochEnd(epoch int, logs Logs) (bool, error) {
	if l.cfg.OnEpochEnd == nil {
		return false, nil
	}
	return l.cfg.OnEpochEnd(epoch, logs)
}

func (l *LambdaCallback) name() string {
	if l.cfg.Name == "" {
		return "lambda"
	}
	return l.cfg.Name
}

// History records the epoch logs of a Fit run.
type History struct {
	Epochs  []Logs
	Stopped bool // ended early by a callback
}

// Series returns the values of key across epochs.
func (h *History) Series(key string) []float64 {
	out := make([]float64, 0, len(h.Epochs))
	for _, l := range h.Epochs {
		if v, ok := l[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Last returns the final epoch's logs, or nil.
func (h *History) Last() Logs {
	if len(h.Epochs) == 0 {
		return nil
	}
	return h.Epochs[len(h.Epochs)-1]
}
