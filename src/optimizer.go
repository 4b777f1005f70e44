package flow

import (
	"math"
	"sort"
	"strings"
)

// Optimizer updates trainable network parameters from their gradients.
// Per-parameter state is keyed by the parameter's qualified name so it can
// be exported and restored.
type Optimizer interface {
	step(params []*param)
	learningRate() float64
	setLearningRate(lr float64)
	state() OptimizerState
	loadState(st OptimizerState, params []*param) error
	name() string
}

// slotState holds named per-parameter slots ("exp_avg", "momentum_buffer").
type slotState map[string]map[string]*tensor

func (s slotState) get(slot string, p *param) *tensor {
	bySlot, ok := s[slot]
	if !ok {
		bySlot = make(map[string]*tensor)
		s[slot] = bySlot
	}
	t, ok := bySlot[p.key]
	if !ok {
		t = newTensor(p.value.shape...)
		bySlot[p.key] = t
	}
	return t
}

func (s slotState) export(order []string) []NamedTensor {
	var out []NamedTensor
	for _, slot := range order {
		bySlot := s[slot]
		keys := make([]string, 0, len(bySlot))
		for k := range bySlot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, exportTensor(k+"."+slot, bySlot[k]))
		}
	}
	return out
}

func (s slotState) load(slots []NamedTensor, order []string, params []*param) error {
	byKey := make(map[string]*param, len(params))
	for _, p := range params {
		byKey[p.key] = p
	}
	for _, nt := range slots {
		matched := false
		for _, slot := range order {
			key, ok := strings.CutSuffix(nt.Name, "."+slot)
			if !ok {
				continue
			}
			p, ok := byKey[key]
			if !ok {
				return errorf("optimizer slot %q has no matching parameter", nt.Name)
			}
			if !sameShape(nt.Shape, p.value.shape) {
				return errorf("optimizer slot %q has shape %v, parameter has %v", nt.Name, nt.Shape, p.value.shape)
			}
			t := s.get(slot, p)
			copy(t.data, nt.Data)
			matched = true
			break
		}
		if !matched {
			return errorf("unknown optimizer slot %q", nt.Name)
		}
	}
	return nil
}

// SGDOptimizer - Stochastic Gradient Descent with optional momentum
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
	slots       slotState
	t           int
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		Dampening:   config.Dampening,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		slots:       slotState{},
	}
}

func (s *SGDOptimizer) step(params []*param) {
	s.t++
	for _, p := range params {
		var buf *tensor
		if s.Momentum != 0 {
			buf = s.slots.get("momentum_buffer", p)
		}
		for j := range p.value.data {
			grad := p.grad.data[j]
			if s.WeightDecay != 0 {
				grad += s.WeightDecay * p.value.data[j]
			}
			if buf != nil {
				if s.t == 1 {
					buf.data[j] = grad
				} else {
					buf.data[j] = s.Momentum*buf.data[j] + (1-s.Dampening)*grad
				}
				if s.Nesterov {
					grad += s.Momentum * buf.data[j]
				} else {
					grad = buf.data[j]
				}
			}
			p.value.data[j] -= s.LR * grad
		}
	}
}

func (s *SGDOptimizer) learningRate() float64      { return s.LR }
func (s *SGDOptimizer) setLearningRate(lr float64) { s.LR = lr }

func (s *SGDOptimizer) state() OptimizerState {
	return OptimizerState{
		Kind: s.name(),
		LR:   s.LR,
		Step: s.t,
		Hyper: map[string]float64{
			"momentum":     s.Momentum,
			"dampening":    s.Dampening,
			"weight_decay": s.WeightDecay,
		},
		Slots: s.slots.export([]string{"momentum_buffer"}),
	}
}

func (s *SGDOptimizer) loadState(st OptimizerState, params []*param) error {
	if st.Kind != s.name() {
		return errorf("optimizer state kind %q does not match %q", st.Kind, s.name())
	}
	s.LR = st.LR
	s.t = st.Step
	s.slots = slotState{}
	return s.slots.load(st.Slots, []string{"momentum_buffer"}, params)
}

func (s *SGDOptimizer) name() string { return "sgd" }

// AdamOptimizer - Adaptive Moment Estimation. WeightDecay is classic L2
// (added to the gradient); use AdamW for decoupled decay.
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
	decoupled   bool
	slots       slotState
	t           int
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		AMSGrad:     config.AMSGrad,
		slots:       slotState{},
	}
}

type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// AdamW - Adam with decoupled weight decay
func AdamW(config AdamWConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		decoupled:   true,
		slots:       slotState{},
	}
}

func (a *AdamOptimizer) slotOrder() []string {
	if a.AMSGrad {
		return []string{"exp_avg", "exp_avg_sq", "max_exp_avg_sq"}
	}
	return []string{"exp_avg", "exp_avg_sq"}
}

func (a *AdamOptimizer) step(params []*param) {
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for _, p := range params {
		m := a.slots.get("exp_avg", p)
		v := a.slots.get("exp_avg_sq", p)
		var vMax *tensor
		if a.AMSGrad {
			vMax = a.slots.get("max_exp_avg_sq", p)
		}

		for j := range p.value.data {
			grad := p.grad.data[j]
			if a.WeightDecay != 0 {
				if a.decoupled {
					p.value.data[j] -= a.LR * a.WeightDecay * p.value.data[j]
				} else {
					grad += a.WeightDecay * p.value.data[j]
				}
			}
			m.data[j] = a.Beta1*m.data[j] + (1-a.Beta1)*grad
			v.data[j] = a.Beta2*v.data[j] + (1-a.Beta2)*grad*grad

			vHat := v.data[j]
			if vMax != nil {
				vMax.data[j] = math.Max(vMax.data[j], vHat)
				vHat = vMax.data[j]
			}

			mHat := m.data[j] / bc1
			p.value.data[j] -= a.LR * mHat / (math.Sqrt(vHat/bc2) + a.Epsilon)
		}
	}
}

func (a *AdamOptimizer) learningRate() float64      { return a.LR }
func (a *AdamOptimizer) setLearningRate(lr float64) { a.LR = lr }

func (a *AdamOptimizer) state() OptimizerState {
	amsgrad := 0.0
	if a.AMSGrad {
		amsgrad = 1
	}
	return OptimizerState{
		Kind: a.name(),
		LR:   a.LR,
		Step: a.t,
		Hyper: map[string]float64{
			"beta1":        a.Beta1,
			"beta2":        a.Beta2,
			"eps":          a.Epsilon,
			"weight_decay": a.WeightDecay,
			"amsgrad":      amsgrad,
		},
		Slots: a.slots.export(a.slotOrder()),
	}
}

func (a *AdamOptimizer) loadState(st OptimizerState, params []*param) error {
	if st.Kind != a.name() {
		return errorf("optimizer state kind %q does not match %q", st.Kind, a.name())
	}
	a.LR = st.LR
	a.t = st.Step
	a.slots = slotState{}
	return a.slots.load(st.Slots, a.slotOrder(), params)
}

func (a *AdamOptimizer) name() string {
	if a.decoupled {
		return "adamw"
	}
	return "adam"
}
