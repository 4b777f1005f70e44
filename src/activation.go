package flow

import (
	"math"
	"math/rand"
)

// Activation represents an element-wise activation function
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = 0
		}
	}
}

func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// LinearActivation - identity, used for logits
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }

// Softmax converts one row of logits to probabilities in place.
func Softmax(row []float64) {
	maxVal := math.Inf(-1)
	for _, v := range row {
		maxVal = math.Max(maxVal, v)
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxVal)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

// ActivationLayer applies an activation as a standalone layer
type ActivationLayer struct {
	activation Activation
	input      *tensor
	outShape   []int
}

// ActivationBuilder for fluent API
type ActivationBuilder struct {
	layer *ActivationLayer
}

// Activate wraps an activation into a layer.
func Activate(act Activation) *ActivationBuilder {
	return &ActivationBuilder{layer: &ActivationLayer{activation: act}}
}

func (b *ActivationBuilder) Build() Layer {
	return b.layer
}

func (a *ActivationLayer) build(inputShape []int, rng *rand.Rand) error {
	if a.activation == nil {
		return errorf("ActivationLayer requires an activation")
	}
	a.outShape = append([]int(nil), inputShape...)
	return nil
}

func (a *ActivationLayer) forward(input *tensor, training bool) (*tensor, error) {
	a.input = input
	out := newTensor(input.shape...)
	a.activation.forward(input, out)
	return out, nil
}

func (a *ActivationLayer) backward(gradOutput *tensor) (*tensor, error) {
	if a.input == nil {
		return nil, errorf("ActivationLayer backward called before forward")
	}
	gradIn := newTensor(a.input.shape...)
	a.activation.backward(a.input, gradOutput, gradIn)
	return gradIn, nil
}

func (a *ActivationLayer) params() []*param { return nil }

func (a *ActivationLayer) outputShape() []int { return a.outShape }

func (a *ActivationLayer) name() string { return a.activation.name() }
