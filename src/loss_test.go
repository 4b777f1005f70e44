package flow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxCrossEntropy(t *testing.T) {
	ce := SoftmaxCrossEntropy(CrossEntropyConfig{})

	t.Run("uniform logits", func(t *testing.T) {
		loss, err := ce.compute(wrapTensor([]float64{0, 0, 3, 3}, 2, 2), []int{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, math.Ln2, loss, 1e-12)
	})

	t.Run("large logits stay finite", func(t *testing.T) {
		loss, err := ce.compute(wrapTensor([]float64{1000, -1000}, 1, 2), []int{1})
		require.NoError(t, err)
		assert.InDelta(t, 2000, loss, 1e-6)
	})

	t.Run("gradient rows sum to zero", func(t *testing.T) {
		logits := wrapTensor([]float64{1, 2, -1, 0.5}, 2, 2)
		grad, err := ce.gradient(logits, []int{1, 0})
		require.NoError(t, err)
		assert.InDelta(t, 0, grad.data[0]+grad.data[1], 1e-12)
		assert.InDelta(t, 0, grad.data[2]+grad.data[3], 1e-12)
		// true class pulls its logit up
		assert.Less(t, grad.data[1], 0.0)
		assert.Less(t, grad.data[2], 0.0)
	})

	t.Run("label out of range", func(t *testing.T) {
		_, err := ce.compute(wrapTensor([]float64{0, 0}, 1, 2), []int{2})
		assert.Error(t, err)
	})

	t.Run("label count mismatch", func(t *testing.T) {
		_, err := ce.compute(wrapTensor([]float64{0, 0}, 1, 2), []int{0, 1})
		var fe *FlowError
		assert.ErrorAs(t, err, &fe)
	})
}

func TestLabelSmoothing(t *testing.T) {
	ce := SoftmaxCrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.2})
	// equal logits give ln2 whatever the smoothing
	loss, err := ce.compute(wrapTensor([]float64{0, 0}, 1, 2), []int{0})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, loss, 1e-12)

	// a perfectly confident prediction is penalised
	plain := SoftmaxCrossEntropy(CrossEntropyConfig{})
	confident := wrapTensor([]float64{20, -20}, 1, 2)
	smoothed, err := ce.compute(confident, []int{0})
	require.NoError(t, err)
	unsmoothed, err := plain.compute(confident, []int{0})
	require.NoError(t, err)
	assert.Greater(t, smoothed, unsmoothed)
}

func TestMetrics(t *testing.T) {
	// predictions: 1, 0, 1, 1 ; labels: 1, 0, 0, 1
	logits := wrapTensor([]float64{0, 1, 1, 0, -1, 2, 0, 3}, 4, 2)
	labels := []int{1, 0, 0, 1}

	acc := Accuracy()
	acc.update(logits, labels)
	assert.InDelta(t, 75.0, acc.result(), 1e-12)

	prec := Precision(PrecisionConfig{PositiveClass: 1})
	prec.update(logits, labels)
	assert.InDelta(t, 2.0/3.0, prec.result(), 1e-12)

	rec := Recall(RecallConfig{PositiveClass: 1})
	rec.update(logits, labels)
	assert.InDelta(t, 1.0, rec.result(), 1e-12)

	f1 := F1Score(F1Config{PositiveClass: 1})
	f1.update(logits, labels)
	assert.InDelta(t, 0.8, f1.result(), 1e-12)

	acc.reset()
	assert.Equal(t, 0.0, acc.result())
}
