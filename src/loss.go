package flow

import (
	"fmt"
	"math"
)

// Loss computes a scalar loss over a batch of logits with integer class
// labels, and its gradient with respect to the logits.
type Loss interface {
	compute(logits *tensor, labels []int) (float64, error)
	gradient(logits *tensor, labels []int) (*tensor, error)
	name() string
}

// SoftmaxCrossEntropyLoss - softmax followed by negative log-likelihood,
// fused for numerical stability. Reduction is the batch mean.
type SoftmaxCrossEntropyLoss struct {
	LabelSmoothing float64
}

type CrossEntropyConfig struct {
	LabelSmoothing float64 // 0 disables smoothing
}

func SoftmaxCrossEntropy(config CrossEntropyConfig) Loss {
	return &SoftmaxCrossEntropyLoss{LabelSmoothing: config.LabelSmoothing}
}

func (s *SoftmaxCrossEntropyLoss) check(logits *tensor, labels []int) error {
	if len(logits.shape) != 2 {
		return errorf("cross entropy expects [batch, classes] logits, got %v", logits.shape)
	}
	if logits.rows() != len(labels) {
		return &FlowError{
			Component:    "SoftmaxCrossEntropy",
			ErrorType:    "batch mismatch",
			LayerIndex:   -1,
			Phase:        "loss",
			InputInfo:    scanTensor(logits),
			ExpectedInfo: fmt.Sprintf("%d labels", logits.rows()),
			Cause:        fmt.Sprintf("got %d labels for %d rows", len(labels), logits.rows()),
		}
	}
	classes := logits.shape[1]
	for i, l := range labels {
		if l < 0 || l >= classes {
			return errorf("label %d at index %d outside [0, %d)", l, i, classes)
		}
	}
	if s.LabelSmoothing < 0 || s.LabelSmoothing >= 1 {
		return errorf("LabelSmoothing must be in [0, 1), got %g", s.LabelSmoothing)
	}
	return nil
}

// target is the smoothed one-hot probability of class j for label l.
func (s *SoftmaxCrossEntropyLoss) target(j, label, classes int) float64 {
	t := s.LabelSmoothing / float64(classes)
	if j == label {
		t += 1 - s.LabelSmoothing
	}
	return t
}

func (s *SoftmaxCrossEntropyLoss) compute(logits *tensor, labels []int) (float64, error) {
	if err := s.check(logits, labels); err != nil {
		return 0, err
	}
	n, classes := logits.rows(), logits.shape[1]
	if n == 0 {
		return 0, nil
	}

	total := 0.0
	for i := 0; i < n; i++ {
		row := logits.data[i*classes : (i+1)*classes]
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, v)
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxVal)
		}
		logSum := maxVal + math.Log(sumExp)
		for j, v := range row {
			if t := s.target(j, labels[i], classes); t > 0 {
				total -= t * (v - logSum)
			}
		}
	}
	return total / float64(n), nil
}

// gradient is (softmax(logits) - target) / batch.
func (s *SoftmaxCrossEntropyLoss) gradient(logits *tensor, labels []int) (*tensor, error) {
	if err := s.check(logits, labels); err != nil {
		return nil, err
	}
	n, classes := logits.rows(), logits.shape[1]
	grad := logits.clone()
	for i := 0; i < n; i++ {
		row := grad.data[i*classes : (i+1)*classes]
		Softmax(row)
		for j := range row {
			row[j] = (row[j] - s.target(j, labels[i], classes)) / float64(n)
		}
	}
	return grad, nil
}

func (s *SoftmaxCrossEntropyLoss) name() string { return "softmax_cross_entropy" }
