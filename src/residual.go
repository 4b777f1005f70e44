package flow

import (
	"math/rand"
)

// ResidualBlockLayer is a basic two-convolution residual block:
//
//	out = relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x))
//
// The shortcut is the identity unless the block changes stride or width,
// in which case it is a 1x1 convolution followed by batch norm.
type ResidualBlockLayer struct {
	filters  int
	stride   int
	epsilon  float64
	momentum float64

	conv1 Layer
	bn1   Layer
	relu1 Layer
	conv2 Layer
	bn2   Layer

	downConv Layer
	downBN   Layer

	sum      *tensor
	outShape []int
	built    bool
}

type ResidualBlockBuilder struct {
	layer *ResidualBlockLayer
}

func ResidualBlock(filters, stride int) *ResidualBlockBuilder {
	return &ResidualBlockBuilder{
		layer: &ResidualBlockLayer{
			filters:  filters,
			stride:   stride,
			epsilon:  1e-5,
			momentum: 0.1,
		},
	}
}

// WithBatchNorm overrides the epsilon and momentum of the block's
// normalisation layers.
func (b *ResidualBlockBuilder) WithBatchNorm(epsilon, momentum float64) *ResidualBlockBuilder {
	b.layer.epsilon = epsilon
	b.layer.momentum = momentum
	return b
}

func (b *ResidualBlockBuilder) Build() Layer {
	return b.layer
}

func (r *ResidualBlockLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("ResidualBlock requires input shape [H, W, C], got %v", inputShape)
	}
	if r.stride <= 0 {
		return errorf("ResidualBlock stride must be > 0, got %d", r.stride)
	}

	conv := func(filters, kernel, stride int) Layer {
		return Conv2D(filters, [2]int{kernel, kernel}).
			WithStride(stride, stride).
			WithPadding("same").
			WithActivation(Linear()).
			WithInitializer(HeNormal(1.0)).
			WithBias(false).
			Build()
	}

	r.conv1 = conv(r.filters, 3, r.stride)
	r.bn1 = BatchNorm(r.epsilon, r.momentum).Build()
	r.relu1 = Activate(ReLU()).Build()
	r.conv2 = conv(r.filters, 3, 1)
	r.bn2 = BatchNorm(r.epsilon, r.momentum).Build()

	steps := []struct {
		prefix string
		layer  Layer
	}{
		{"conv1", r.conv1}, {"bn1", r.bn1}, {"", r.relu1}, {"conv2", r.conv2}, {"bn2", r.bn2},
	}
	shape := inputShape
	for _, s := range steps {
		if err := s.layer.build(shape, rng); err != nil {
			return err
		}
		prefixParams(s.layer, s.prefix)
		shape = s.layer.outputShape()
	}
	r.outShape = shape

	if r.stride != 1 || inputShape[2] != r.filters {
		r.downConv = conv(r.filters, 1, r.stride)
		r.downBN = BatchNorm(r.epsilon, r.momentum).Build()
		if err := r.downConv.build(inputShape, rng); err != nil {
			return err
		}
		if err := r.downBN.build(r.downConv.outputShape(), rng); err != nil {
			return err
		}
		prefixParams(r.downConv, "downsample.conv")
		prefixParams(r.downBN, "downsample.bn")
	}

	r.built = true
	return nil
}

func prefixParams(l Layer, prefix string) {
	if prefix == "" {
		return
	}
	for _, p := range l.params() {
		p.local = prefix + "." + p.local
	}
}

func (r *ResidualBlockLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !r.built {
		return nil, ErrNotBuilt
	}

	out := input
	var err error
	for _, l := range []Layer{r.conv1, r.bn1, r.relu1, r.conv2, r.bn2} {
		if out, err = l.forward(out, training); err != nil {
			return nil, err
		}
	}

	shortcut := input
	if r.downConv != nil {
		if shortcut, err = r.downConv.forward(input, training); err != nil {
			return nil, err
		}
		if shortcut, err = r.downBN.forward(shortcut, training); err != nil {
			return nil, err
		}
	}

	r.sum = newTensor(out.shape...)
	for i, v := range out.data {
		r.sum.data[i] = v + shortcut.data[i]
	}
	output := newTensor(out.shape...)
	ReLU().forward(r.sum, output)
	return output, nil
}

func (r *ResidualBlockLayer) backward(gradOutput *tensor) (*tensor, error) {
	if r.sum == nil {
		return nil, errorf("ResidualBlock backward called before forward")
	}

	gradSum := newTensor(gradOutput.shape...)
	ReLU().backward(r.sum, gradOutput, gradSum)

	grad := gradSum
	var err error
	for _, l := range []Layer{r.bn2, r.conv2, r.relu1, r.bn1, r.conv1} {
		if grad, err = l.backward(grad); err != nil {
			return nil, err
		}
	}

	gradShortcut := gradSum
	if r.downConv != nil {
		if gradShortcut, err = r.downBN.backward(gradSum); err != nil {
			return nil, err
		}
		if gradShortcut, err = r.downConv.backward(gradShortcut); err != nil {
			return nil, err
		}
	}

	for i, v := range gradShortcut.data {
		grad.data[i] += v
	}
	return grad, nil
}

func (r *ResidualBlockLayer) params() []*param {
	var ps []*param
	for _, l := range []Layer{r.conv1, r.bn1, r.conv2, r.bn2, r.downConv, r.downBN} {
		if l != nil {
			ps = append(ps, l.params()...)
		}
	}
	return ps
}

func (r *ResidualBlockLayer) outputShape() []int { return r.outShape }

func (r *ResidualBlockLayer) name() string { return "residual_block" }
