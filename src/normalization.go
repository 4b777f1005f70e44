package flow

import (
	"math"
	"math/rand"
)

// BatchNormLayer - batch normalization over the last axis. Works for
// [N, C] features and [N, H, W, C] feature maps (per-channel statistics).
//
// Running statistics follow the usual convention:
// running = (1-momentum)*running + momentum*batch, with the unbiased
// batch variance.
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64
	gamma       *param
	beta        *param
	runningMean *param
	runningVar  *param
	normalized  *tensor
	invStd      []float64
	features    int
	inputShape  []int
	built       bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errorf("BatchNorm requires non-empty input shape")
	}
	if bn.epsilon <= 0 {
		return errorf("BatchNorm epsilon must be > 0, got %g", bn.epsilon)
	}
	if bn.momentum < 0 || bn.momentum > 1 {
		return errorf("BatchNorm momentum must be in [0, 1], got %g", bn.momentum)
	}
	bn.inputShape = append([]int(nil), inputShape...)
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = newParam("weight", true, bn.features)
	bn.gamma.value.fill(1.0)
	bn.beta = newParam("bias", true, bn.features)

	bn.runningMean = newParam("running_mean", false, bn.features)
	bn.runningVar = newParam("running_var", false, bn.features)
	bn.runningVar.value.fill(1.0)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !bn.built {
		return nil, ErrNotBuilt
	}
	if input.cols() != shapeSize(bn.inputShape) {
		return nil, shapeError("BatchNorm", input, "trailing dims "+formatShape(bn.inputShape))
	}

	c := bn.features
	m := input.size() / c

	mean := make([]float64, c)
	variance := make([]float64, c)

	if training {
		for i, v := range input.data {
			mean[i%c] += v
		}
		for j := range mean {
			mean[j] /= float64(m)
		}
		for i, v := range input.data {
			d := v - mean[i%c]
			variance[i%c] += d * d
		}
		for j := range variance {
			variance[j] /= float64(m)
		}

		unbias := 1.0
		if m > 1 {
			unbias = float64(m) / float64(m-1)
		}
		rm, rv := bn.runningMean.value.data, bn.runningVar.value.data
		for j := 0; j < c; j++ {
			rm[j] = (1-bn.momentum)*rm[j] + bn.momentum*mean[j]
			rv[j] = (1-bn.momentum)*rv[j] + bn.momentum*variance[j]*unbias
		}
	} else {
		copy(mean, bn.runningMean.value.data)
		copy(variance, bn.runningVar.value.data)
	}

	bn.invStd = make([]float64, c)
	for j := range variance {
		bn.invStd[j] = 1.0 / math.Sqrt(variance[j]+bn.epsilon)
	}

	bn.normalized = newTensor(input.shape...)
	output := newTensor(input.shape...)
	gamma, beta := bn.gamma.value.data, bn.beta.value.data
	for i, v := range input.data {
		j := i % c
		xNorm := (v - mean[j]) * bn.invStd[j]
		bn.normalized.data[i] = xNorm
		output.data[i] = gamma[j]*xNorm + beta[j]
	}

	return output, nil
}

// backward assumes the preceding forward ran in training mode, which is the
// only mode the training loop differentiates through.
func (bn *BatchNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if bn.normalized == nil {
		return nil, errorf("BatchNorm backward called before forward")
	}
	c := bn.features
	m := float64(gradOutput.size() / c)

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for i, dy := range gradOutput.data {
		j := i % c
		sumDy[j] += dy
		sumDyXhat[j] += dy * bn.normalized.data[i]
	}

	copy(bn.beta.grad.data, sumDy)
	copy(bn.gamma.grad.data, sumDyXhat)

	// dx = gamma*invStd/m * (m*dy - sum(dy) - xhat*sum(dy*xhat))
	gradInput := newTensor(gradOutput.shape...)
	gamma := bn.gamma.value.data
	for i, dy := range gradOutput.data {
		j := i % c
		gradInput.data[i] = gamma[j] * bn.invStd[j] / m *
			(m*dy - sumDy[j] - bn.normalized.data[i]*sumDyXhat[j])
	}

	return gradInput, nil
}

func (bn *BatchNormLayer) params() []*param {
	return []*param{bn.gamma, bn.beta, bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }
