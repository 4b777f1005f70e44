package flow

import (
	"fmt"
	"sort"
	"strings"
)

// LayerFreezeInfo contains information about a layer's freeze status
type LayerFreezeInfo struct {
	Index      int
	Name       string // registered name, e.g. "layer2"
	Kind       string // "conv2d", "residual_block"
	Frozen     bool
	Parameters int // trainable weights only
}

// Freeze freezes the specified layer indices. Frozen layers still take part
// in forward and backward passes (batch-norm statistics keep updating in
// training mode) but the optimizer never steps their parameters.
func (n *Network) Freeze(indices ...int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= len(n.layers) {
			return errorf("layer index %d out of range [0, %d)", idx, len(n.layers))
		}
	}
	for _, idx := range indices {
		n.frozen[idx] = true
	}
	return nil
}

// Unfreeze unfreezes the specified layer indices
func (n *Network) Unfreeze(indices ...int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= len(n.layers) {
			return errorf("layer index %d out of range [0, %d)", idx, len(n.layers))
		}
	}
	for _, idx := range indices {
		delete(n.frozen, idx)
	}
	return nil
}

// FreezeTo freezes all layers from index 0 to endIndex (exclusive)
func (n *Network) FreezeTo(endIndex int) error {
	if endIndex < 0 || endIndex > len(n.layers) {
		return errorf("end index %d out of range [0, %d]", endIndex, len(n.layers))
	}
	for i := 0; i < endIndex; i++ {
		n.frozen[i] = true
	}
	return nil
}

// FreezeMatching freezes every layer whose registered name starts with one
// of the prefixes. It returns the number of layers frozen.
func (n *Network) FreezeMatching(prefixes ...string) int {
	count := 0
	for i, name := range n.names {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				n.frozen[i] = true
				count++
				break
			}
		}
	}
	return count
}

// UnfreezeAll unfreezes all layers in the network
func (n *Network) UnfreezeAll() {
	clear(n.frozen)
}

// IsFrozen returns whether a specific layer is frozen
func (n *Network) IsFrozen(index int) bool {
	return n.frozen[index]
}

// FrozenLayers returns the indices of all frozen layers, ascending
func (n *Network) FrozenLayers() []int {
	result := make([]int, 0, len(n.frozen))
	for idx := range n.frozen {
		result = append(result, idx)
	}
	sort.Ints(result)
	return result
}

func countTrainable(l Layer) int {
	total := 0
	for _, p := range l.params() {
		if p.trainable {
			total += p.value.size()
		}
	}
	return total
}

// LayerInfo returns information about all layers including their freeze status
func (n *Network) LayerInfo() []LayerFreezeInfo {
	result := make([]LayerFreezeInfo, len(n.layers))
	for i, layer := range n.layers {
		result[i] = LayerFreezeInfo{
			Index:      i,
			Name:       n.names[i],
			Kind:       layer.name(),
			Frozen:     n.IsFrozen(i),
			Parameters: countTrainable(layer),
		}
	}
	return result
}

// TrainableParameters returns the count of weights the optimizer updates
func (n *Network) TrainableParameters() int {
	total := 0
	for i, layer := range n.layers {
		if !n.IsFrozen(i) {
			total += countTrainable(layer)
		}
	}
	return total
}

// TotalParameters returns the count of all trainable weights, frozen or not
func (n *Network) TotalParameters() int {
	total := 0
	for _, layer := range n.layers {
		total += countTrainable(layer)
	}
	return total
}

// FreezeSummary returns a human-readable summary of frozen/unfrozen layers
func (n *Network) FreezeSummary() string {
	var b strings.Builder
	b.WriteString("Layer Freeze Status\n")
	b.WriteString("===================\n")

	trainable, frozen := 0, 0
	for _, info := range n.LayerInfo() {
		status := "trainable"
		if info.Frozen {
			status = "FROZEN"
			frozen += info.Parameters
		} else {
			trainable += info.Parameters
		}
		fmt.Fprintf(&b, "Layer %2d: %-12s %-18s %9d params [%s]\n", info.Index, info.Name, info.Kind, info.Parameters, status)
	}

	b.WriteString("===================\n")
	fmt.Fprintf(&b, "Trainable params: %d\n", trainable)
	fmt.Fprintf(&b, "Frozen params:    %d\n", frozen)
	fmt.Fprintf(&b, "Total params:     %d\n", trainable+frozen)
	return b.String()
}

// trainableParams returns the parameters the optimizer may step: trainable
// params of layers that are not frozen.
func (n *Network) trainableParams() []*param {
	var ps []*param
	for i, layer := range n.layers {
		if n.IsFrozen(i) {
			continue
		}
		for _, p := range layer.params() {
			if p.trainable {
				ps = append(ps, p)
			}
		}
	}
	return ps
}
