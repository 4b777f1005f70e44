package flow

import (
	"fmt"
	"math"
	"math/rand"
)

// Conv2DLayer - 2D convolution over NHWC input. Weights are laid out
// [kernelH, kernelW, inChannels, filters].
type Conv2DLayer struct {
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *param
	bias        *param
	input       *tensor
	preAct      *tensor
	inputShape  []int
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

// WithPadding accepts "same" or "valid".
func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("Conv2D requires input shape [H, W, C], got %v", inputShape)
	}
	if c.filters <= 0 {
		return errorf("Conv2D filters must be > 0, got %d", c.filters)
	}
	if c.stride[0] <= 0 || c.stride[1] <= 0 {
		return errorf("Conv2D stride must be > 0, got %v", c.stride)
	}
	if c.padding != "same" && c.padding != "valid" {
		return errorf("Conv2D padding must be 'same' or 'valid', got %q", c.padding)
	}
	if c.initializer == nil {
		return errorf("Conv2D requires initializer - use WithInitializer()")
	}
	if c.activation == nil {
		return errorf("Conv2D requires activation - use WithActivation()")
	}
	if c.useBias && c.biasInit == nil {
		return errorf("Conv2D with bias requires bias initializer - use WithBiasInitializer()")
	}

	c.inputShape = append([]int(nil), inputShape...)
	outH, outW := c.computeOutputSize(inputShape[0], inputShape[1])
	if outH <= 0 || outW <= 0 {
		return errorf("Conv2D kernel %v larger than input %v", c.kernelSize, inputShape)
	}
	inChannels := inputShape[2]

	c.weights = newParam("weight", true, c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights.value, fanIn, fanOut, rng)

	if c.useBias {
		c.bias = newParam("bias", true, c.filters)
		c.biasInit.initialize(c.bias.value, fanIn, fanOut, rng)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	if c.padding == "same" {
		return (inputH + c.stride[0] - 1) / c.stride[0], (inputW + c.stride[1] - 1) / c.stride[1]
	}
	return (inputH-c.kernelSize[0])/c.stride[0] + 1, (inputW-c.kernelSize[1])/c.stride[1] + 1
}

func (c *Conv2DLayer) pads(inputH, inputW, outH, outW int) (int, int) {
	if c.padding != "same" {
		return 0, 0
	}
	padH := max((outH-1)*c.stride[0]+c.kernelSize[0]-inputH, 0)
	padW := max((outW-1)*c.stride[1]+c.kernelSize[1]-inputW, 0)
	return padH / 2, padW / 2
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, ErrNotBuilt
	}
	if len(input.shape) != 4 || !sameShape(input.shape[1:], c.inputShape) {
		return nil, shapeError("Conv2D", input, fmt.Sprintf("[batch %d %d %d]", c.inputShape[0], c.inputShape[1], c.inputShape[2]))
	}

	batchSize := input.shape[0]
	inputH, inputW, inChannels := c.inputShape[0], c.inputShape[1], c.inputShape[2]
	outH, outW := c.computeOutputSize(inputH, inputW)
	padTop, padLeft := c.pads(inputH, inputW, outH, outW)
	kH, kW, filters := c.kernelSize[0], c.kernelSize[1], c.filters
	w := c.weights.value.data

	c.input = input
	c.preAct = newTensor(batchSize, outH, outW, filters)

	parallelFor(batchSize, func(_, b int) {
		inBase := b * inputH * inputW * inChannels
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				outIdx := ((b*outH+oh)*outW + ow) * filters
				acc := c.preAct.data[outIdx : outIdx+filters]
				if c.useBias {
					copy(acc, c.bias.value.data)
				}
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						inIdx := inBase + (ih*inputW+iw)*inChannels
						wBase := (kh*kW + kw) * inChannels * filters
						for ic := 0; ic < inChannels; ic++ {
							xv := input.data[inIdx+ic]
							if xv == 0 {
								continue
							}
							wrow := w[wBase+ic*filters : wBase+(ic+1)*filters]
							for f, wv := range wrow {
								acc[f] += xv * wv
							}
						}
					}
				}
			}
		}
	})

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if c.input == nil {
		return nil, errorf("Conv2D backward called before forward")
	}

	batchSize := c.input.shape[0]
	inputH, inputW, inChannels := c.inputShape[0], c.inputShape[1], c.inputShape[2]
	outH, outW := gradOutput.shape[1], gradOutput.shape[2]
	padTop, padLeft := c.pads(inputH, inputW, outH, outW)
	kH, kW, filters := c.kernelSize[0], c.kernelSize[1], c.filters
	w := c.weights.value.data

	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	gradInput := newTensor(c.input.shape...)

	// one weight-gradient accumulator per worker, summed afterwards
	workers := parallelism(batchSize)
	gradW := make([][]float64, workers)
	gradB := make([][]float64, workers)
	for i := range gradW {
		gradW[i] = make([]float64, len(w))
		gradB[i] = make([]float64, filters)
	}

	parallelFor(batchSize, func(worker, b int) {
		gw, gb := gradW[worker], gradB[worker]
		inBase := b * inputH * inputW * inChannels
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				outIdx := ((b*outH+oh)*outW + ow) * filters
				dout := gradPreAct.data[outIdx : outIdx+filters]
				for f, d := range dout {
					gb[f] += d
				}
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						inIdx := inBase + (ih*inputW+iw)*inChannels
						wBase := (kh*kW + kw) * inChannels * filters
						for ic := 0; ic < inChannels; ic++ {
							xv := c.input.data[inIdx+ic]
							off := wBase + ic*filters
							gsum := 0.0
							for f, d := range dout {
								gw[off+f] += xv * d
								gsum += w[off+f] * d
							}
							gradInput.data[inIdx+ic] += gsum
						}
					}
				}
			}
		}
	})

	c.weights.grad.zero()
	for _, gw := range gradW {
		for i, v := range gw {
			c.weights.grad.data[i] += v
		}
	}
	if c.useBias {
		c.bias.grad.zero()
		for _, gb := range gradB {
			for i, v := range gb {
				c.bias.grad.data[i] += v
			}
		}
	}

	return gradInput, nil
}

func (c *Conv2DLayer) params() []*param {
	if c.useBias {
		return []*param{c.weights, c.bias}
	}
	return []*param{c.weights}
}

func (c *Conv2DLayer) outputShape() []int {
	outH, outW := c.computeOutputSize(c.inputShape[0], c.inputShape[1])
	return []int{outH, outW, c.filters}
}

func (c *Conv2DLayer) name() string { return "conv2d" }

// MaxPool2DLayer - max pooling with "valid" windows
type MaxPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	inputShape []int
	maxIndices []int
	batchSize  int
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize,
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("MaxPool2D requires input shape [H, W, C], got %v", inputShape)
	}
	m.inputShape = append([]int(nil), inputShape...)
	outH, outW := m.computeOutputSize(inputShape[0], inputShape[1])
	if outH <= 0 || outW <= 0 {
		return errorf("MaxPool2D pool %v larger than input %v", m.poolSize, inputShape)
	}
	return nil
}

func (m *MaxPool2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	return (inputH-m.poolSize[0])/m.stride[0] + 1, (inputW-m.poolSize[1])/m.stride[1] + 1
}

func (m *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || !sameShape(input.shape[1:], m.inputShape) {
		return nil, shapeError("MaxPool2D", input, fmt.Sprintf("[batch %v]", m.inputShape))
	}
	batchSize := input.shape[0]
	inputH, inputW, channels := m.inputShape[0], m.inputShape[1], m.inputShape[2]
	outH, outW := m.computeOutputSize(inputH, inputW)

	output := newTensor(batchSize, outH, outW, channels)
	m.maxIndices = make([]int, output.size())
	m.batchSize = batchSize

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for ch := 0; ch < channels; ch++ {
					maxVal := math.Inf(-1)
					maxIdx := -1
					for ph := 0; ph < m.poolSize[0]; ph++ {
						for pw := 0; pw < m.poolSize[1]; pw++ {
							ih := oh*m.stride[0] + ph
							iw := ow*m.stride[1] + pw
							idx := ((b*inputH+ih)*inputW+iw)*channels + ch
							if maxIdx < 0 || input.data[idx] > maxVal {
								maxVal = input.data[idx]
								maxIdx = idx
							}
						}
					}
					outIdx := ((b*outH+oh)*outW+ow)*channels + ch
					output.data[outIdx] = maxVal
					m.maxIndices[outIdx] = maxIdx
				}
			}
		}
	}

	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if m.maxIndices == nil {
		return nil, errorf("MaxPool2D backward called before forward")
	}
	gradInput := newTensor(m.batchSize, m.inputShape[0], m.inputShape[1], m.inputShape[2])
	for outIdx, g := range gradOutput.data {
		gradInput.data[m.maxIndices[outIdx]] += g
	}
	return gradInput, nil
}

func (m *MaxPool2DLayer) params() []*param { return nil }

func (m *MaxPool2DLayer) outputShape() []int {
	outH, outW := m.computeOutputSize(m.inputShape[0], m.inputShape[1])
	return []int{outH, outW, m.inputShape[2]}
}

func (m *MaxPool2DLayer) name() string { return "max_pool2d" }

// GlobalAvgPool2DLayer averages each channel over H and W: [N,H,W,C] -> [N,C]
type GlobalAvgPool2DLayer struct {
	inputShape []int
	batchSize  int
}

type GlobalAvgPool2DBuilder struct {
	layer *GlobalAvgPool2DLayer
}

func GlobalAvgPool2D() *GlobalAvgPool2DBuilder {
	return &GlobalAvgPool2DBuilder{layer: &GlobalAvgPool2DLayer{}}
}

func (b *GlobalAvgPool2DBuilder) Build() Layer {
	return b.layer
}

func (g *GlobalAvgPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("GlobalAvgPool2D requires input shape [H, W, C], got %v", inputShape)
	}
	g.inputShape = append([]int(nil), inputShape...)
	return nil
}

func (g *GlobalAvgPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || !sameShape(input.shape[1:], g.inputShape) {
		return nil, shapeError("GlobalAvgPool2D", input, fmt.Sprintf("[batch %v]", g.inputShape))
	}
	batchSize := input.shape[0]
	spatial := g.inputShape[0] * g.inputShape[1]
	channels := g.inputShape[2]
	g.batchSize = batchSize

	output := newTensor(batchSize, channels)
	inv := 1.0 / float64(spatial)
	for b := 0; b < batchSize; b++ {
		out := output.data[b*channels : (b+1)*channels]
		base := b * spatial * channels
		for s := 0; s < spatial; s++ {
			px := input.data[base+s*channels : base+(s+1)*channels]
			for ch, v := range px {
				out[ch] += v
			}
		}
		for ch := range out {
			out[ch] *= inv
		}
	}
	return output, nil
}

func (g *GlobalAvgPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	spatial := g.inputShape[0] * g.inputShape[1]
	channels := g.inputShape[2]
	gradInput := newTensor(g.batchSize, g.inputShape[0], g.inputShape[1], channels)
	inv := 1.0 / float64(spatial)
	for b := 0; b < g.batchSize; b++ {
		gout := gradOutput.data[b*channels : (b+1)*channels]
		base := b * spatial * channels
		for s := 0; s < spatial; s++ {
			px := gradInput.data[base+s*channels : base+(s+1)*channels]
			for ch, v := range gout {
				px[ch] = v * inv
			}
		}
	}
	return gradInput, nil
}

func (g *GlobalAvgPool2DLayer) params() []*param { return nil }

func (g *GlobalAvgPool2DLayer) outputShape() []int { return []int{g.inputShape[2]} }

func (g *GlobalAvgPool2DLayer) name() string { return "global_avg_pool2d" }
