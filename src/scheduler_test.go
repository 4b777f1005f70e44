package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func plateauForTest() Scheduler {
	return ReduceLROnPlateau(PlateauConfig{
		Mode:      "max",
		Factor:    0.5,
		Patience:  5,
		Threshold: 1e-4,
	})
}

func TestPlateauHalvesAfterPatienceExceeded(t *testing.T) {
	s := plateauForTest()
	lr := 0.001

	var history []float64
	for epoch := 0; epoch < 13; epoch++ {
		lr = s.step(epoch, 70, lr)
		history = append(history, lr)
	}

	// epoch 0 sets the best; epochs 1-5 are tolerated; the 6th bad epoch halves
	for epoch := 0; epoch <= 5; epoch++ {
		assert.InDelta(t, 0.001, history[epoch], 1e-15, "epoch %d", epoch)
	}
	assert.InDelta(t, 0.0005, history[6], 1e-15)
	for epoch := 7; epoch <= 11; epoch++ {
		assert.InDelta(t, 0.0005, history[epoch], 1e-15, "epoch %d", epoch)
	}
	assert.InDelta(t, 0.00025, history[12], 1e-15)
}

func TestPlateauImprovementResetsCounter(t *testing.T) {
	s := plateauForTest()
	lr := 1.0
	metrics := []float64{50, 50, 50, 50, 50, 60, 60, 60, 60, 60, 60}
	for epoch, m := range metrics {
		lr = s.step(epoch, m, lr)
	}
	assert.Equal(t, 1.0, lr)
	lr = s.step(len(metrics), 60, lr)
	assert.Equal(t, 0.5, lr)
}

func TestPlateauIgnoresTinyImprovements(t *testing.T) {
	s := plateauForTest()
	lr := 1.0
	lr = s.step(0, 50, lr)
	for epoch := 1; epoch <= 6; epoch++ {
		// below the 1e-4 relative threshold
		lr = s.step(epoch, 50+0.0001*float64(epoch), lr)
	}
	assert.Equal(t, 0.5, lr)
}

func TestPlateauRespectsMinLR(t *testing.T) {
	s := ReduceLROnPlateau(PlateauConfig{Mode: "min", Factor: 0.1, Patience: 0, MinLR: 0.05})
	lr := 1.0
	lr = s.step(0, 1, lr)
	lr = s.step(1, 1, lr)
	assert.InDelta(t, 0.1, lr, 1e-12)
	lr = s.step(2, 1, lr)
	assert.InDelta(t, 0.05, lr, 1e-12)
}

func TestStepDecay(t *testing.T) {
	s := StepDecay(StepDecayConfig{StepSize: 2, Gamma: 0.1})
	lr := 1.0
	var got []float64
	for epoch := 0; epoch < 4; epoch++ {
		lr = s.step(epoch, 0, lr)
		got = append(got, lr)
	}
	assert.InDeltaSlice(t, []float64{1, 0.1, 0.1, 0.01}, got, 1e-12)
}

func TestCosineAnnealingReachesEtaMin(t *testing.T) {
	s := CosineAnnealing(CosineAnnealingConfig{TMax: 4, EtaMin: 0, EtaMax: 1})
	assert.InDelta(t, 0.5, s.step(1, 0, 1), 1e-12)
	assert.InDelta(t, 0, s.step(3, 0, 1), 1e-12)
	assert.InDelta(t, 0, s.step(10, 0, 1), 1e-12)
}
