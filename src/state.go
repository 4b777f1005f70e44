package flow

import (
	"fmt"
	"sort"
)

// NamedTensor is an exported, serialisable copy of one tensor.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

func exportTensor(name string, t *tensor) NamedTensor {
	return NamedTensor{
		Name:  name,
		Shape: append([]int(nil), t.shape...),
		Data:  append([]float64(nil), t.data...),
	}
}

// StateDict is the ordered set of a network's named parameters and
// buffers.
type StateDict []NamedTensor

// Lookup returns the entry called name.
func (sd StateDict) Lookup(name string) (NamedTensor, bool) {
	for _, nt := range sd {
		if nt.Name == name {
			return nt, true
		}
	}
	return NamedTensor{}, false
}

// Names lists entry names in order.
func (sd StateDict) Names() []string {
	names := make([]string, len(sd))
	for i, nt := range sd {
		names[i] = nt.Name
	}
	return names
}

// OptimizerState is the serialisable state of an optimizer: its kind,
// hyperparameters, step counter and per-parameter slots named
// "<param key>.<slot>".
type OptimizerState struct {
	Kind  string
	LR    float64
	Step  int
	Hyper map[string]float64
	Slots []NamedTensor
}

// LoadReport describes a non-strict state dict load.
type LoadReport struct {
	Loaded     []string
	Missing    []string // in the network, absent from the state
	Unexpected []string // in the state, absent from the network
}

// StateDict exports every parameter and buffer of the network, in layer
// order.
func (n *Network) StateDict() StateDict {
	ps := n.allParams()
	sd := make(StateDict, 0, len(ps))
	for _, p := range ps {
		sd = append(sd, exportTensor(p.key, p.value))
	}
	return sd
}

// LoadStateDict copies matching entries into the network. A shape
// mismatch is always an error; with strict set, missing or unexpected
// entries are errors too.
func (n *Network) LoadStateDict(sd StateDict, strict bool) (LoadReport, error) {
	var report LoadReport
	if !n.built {
		return report, ErrNotBuilt
	}

	byName := make(map[string]NamedTensor, len(sd))
	for _, nt := range sd {
		byName[nt.Name] = nt
	}

	seen := make(map[string]bool)
	for _, p := range n.allParams() {
		nt, ok := byName[p.key]
		if !ok {
			report.Missing = append(report.Missing, p.key)
			continue
		}
		seen[p.key] = true
		if !sameShape(nt.Shape, p.value.shape) || len(nt.Data) != p.value.size() {
			return report, errorf("state %q has shape %v, network expects %v", p.key, nt.Shape, p.value.shape)
		}
		copy(p.value.data, nt.Data)
		report.Loaded = append(report.Loaded, p.key)
	}
	for name := range byName {
		if !seen[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Unexpected)

	if strict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return report, fmt.Errorf("%w: missing %v, unexpected %v", ErrStateMissing, report.Missing, report.Unexpected)
	}
	return report, nil
}

// OptimizerState exports the compiled optimizer's state.
func (n *Network) OptimizerState() (OptimizerState, error) {
	if !n.compiled {
		return OptimizerState{}, ErrNotCompiled
	}
	return n.optimizer.state(), nil
}

// LoadOptimizerState restores a previously exported optimizer state. The
// kind must match the compiled optimizer.
func (n *Network) LoadOptimizerState(st OptimizerState) error {
	if !n.compiled {
		return ErrNotCompiled
	}
	return n.optimizer.loadState(st, n.allParams())
}
