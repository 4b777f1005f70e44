package flow

import (
	"math"
	"math/rand"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// HeNormalInit - He/Kaiming normal initialization, the default for ReLU
// convolutions.
type HeNormalInit struct {
	Gain float64
}

func HeNormal(gain float64) Initializer {
	return &HeNormalInit{Gain: gain}
}

func (h *HeNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := h.Gain * math.Sqrt(2.0/float64(fanIn))
	t.fillRandNorm(0, std, rng)
}

func (h *HeNormalInit) name() string { return "he_normal" }

// XavierNormalInit - Xavier/Glorot normal initialization
type XavierNormalInit struct {
	Gain float64
}

func XavierNormal(gain float64) Initializer {
	return &XavierNormalInit{Gain: gain}
}

func (x *XavierNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := x.Gain * math.Sqrt(2.0/float64(fanIn+fanOut))
	t.fillRandNorm(0, std, rng)
}

func (x *XavierNormalInit) name() string { return "xavier_normal" }

// XavierUniformInit - Xavier/Glorot uniform initialization
type XavierUniformInit struct {
	Gain float64
}

func XavierUniform(gain float64) Initializer {
	return &XavierUniformInit{Gain: gain}
}

func (x *XavierUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := x.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (x *XavierUniformInit) name() string { return "xavier_uniform" }

// ConstantInit fills with a fixed value.
type ConstantInit struct {
	Value float64
}

func Constant(value float64) Initializer {
	return &ConstantInit{Value: value}
}

func Zeros() Initializer { return &ConstantInit{Value: 0} }

func Ones() Initializer { return &ConstantInit{Value: 1} }

func (c *ConstantInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(c.Value)
}

func (c *ConstantInit) name() string { return "constant" }
