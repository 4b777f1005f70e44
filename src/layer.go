package flow

import (
	"fmt"
	"math/rand"
)

// Layer is the base interface for all layers
type Layer interface {
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	params() []*param
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	name() string
}

// param is one named tensor owned by a layer. Non-trainable params
// (batch-norm running statistics) are saved and loaded but never stepped.
type param struct {
	local     string // "weight", "bias", "running_mean"
	key       string // fully qualified, assigned by the network
	value     *tensor
	grad      *tensor
	trainable bool
}

func newParam(local string, trainable bool, shape ...int) *param {
	p := &param{
		local:     local,
		value:     newTensor(shape...),
		trainable: trainable,
	}
	if trainable {
		p.grad = newTensor(shape...)
	}
	return p
}

func shapeError(component string, input *tensor, expected string) error {
	return &FlowError{
		Component:    component,
		ErrorType:    "shape mismatch",
		LayerIndex:   -1,
		Phase:        "forward",
		InputInfo:    scanTensor(input),
		ExpectedInfo: expected,
		Cause:        fmt.Sprintf("input shape %v does not match the built layer", input.shape),
	}
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *param
	bias        *param
	input       *tensor
	preAct      *tensor
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("DenseLayer requires a flat input shape, got %v", inputShape)
	}
	if d.units <= 0 {
		return errorf("DenseLayer units must be > 0, got %d", d.units)
	}
	if d.initializer == nil {
		return errorf("DenseLayer requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errorf("DenseLayer requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errorf("DenseLayer with bias requires bias initializer - use WithBiasInitializer()")
	}

	fanIn := inputShape[0]
	d.weights = newParam("weight", true, fanIn, d.units)
	d.initializer.initialize(d.weights.value, fanIn, d.units, rng)

	if d.useBias {
		d.bias = newParam("bias", true, d.units)
		d.biasInit.initialize(d.bias.value, fanIn, d.units, rng)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, ErrNotBuilt
	}
	fanIn := d.weights.value.shape[0]
	if input.cols() != fanIn {
		return nil, shapeError("Dense", input, fmt.Sprintf("[batch %d]", fanIn))
	}

	batchSize := input.rows()
	d.input = input
	d.preAct = newTensor(batchSize, d.units)
	output := newTensor(batchSize, d.units)

	// Y = act(X @ W + b)
	matmul(input, d.weights.value, d.preAct)
	if d.useBias {
		addRowVec(d.preAct, d.bias.value)
	}
	d.activation.forward(d.preAct, output)

	return output, nil
}

// backward stores the summed (not averaged) parameter gradients; the loss
// gradient already carries the 1/batch factor.
func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errorf("Dense backward called before forward")
	}

	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// dL/dW = X^T @ dL/dY
	matmulTransA(d.input, gradPreAct, d.weights.grad)

	// dL/db = sum(dL/dY, axis=0)
	if d.useBias {
		sumRows(gradPreAct, d.bias.grad)
	}

	// dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights.value, gradInput)

	return gradInput, nil
}

func (d *DenseLayer) params() []*param {
	if d.useBias {
		return []*param{d.weights, d.bias}
	}
	return []*param{d.weights}
}

func (d *DenseLayer) outputShape() []int {
	return []int{d.units}
}

func (d *DenseLayer) name() string { return "dense" }

// DropoutLayer - randomly zeros elements during training, identity in
// inference mode
type DropoutLayer struct {
	rate     float64
	mask     []float64
	rng      *rand.Rand
	outShape []int
}

type DropoutBuilder struct {
	layer *DropoutLayer
}

func Dropout(rate float64) *DropoutBuilder {
	return &DropoutBuilder{
		layer: &DropoutLayer{
			rate: rate,
		},
	}
}

func (b *DropoutBuilder) Build() Layer {
	return b.layer
}

func (d *DropoutLayer) build(inputShape []int, rng *rand.Rand) error {
	if d.rate < 0 || d.rate >= 1 {
		return errorf("dropout rate must be in [0, 1), got %f", d.rate)
	}
	d.rng = rng
	d.outShape = append([]int(nil), inputShape...)
	return nil
}

func (d *DropoutLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return input.clone(), nil
	}

	output := newTensor(input.shape...)
	d.mask = make([]float64, input.size())

	// inverted dropout keeps the expected activation unchanged
	scale := 1.0 / (1.0 - d.rate)
	for i, v := range input.data {
		if d.rng.Float64() >= d.rate {
			d.mask[i] = scale
			output.data[i] = v * scale
		}
	}
	return output, nil
}

func (d *DropoutLayer) backward(gradOutput *tensor) (*tensor, error) {
	gradInput := gradOutput.clone()
	if d.mask == nil {
		return gradInput, nil
	}
	for i := range gradInput.data {
		gradInput.data[i] *= d.mask[i]
	}
	return gradInput, nil
}

func (d *DropoutLayer) params() []*param   { return nil }
func (d *DropoutLayer) outputShape() []int { return d.outShape }
func (d *DropoutLayer) name() string       { return "dropout" }
