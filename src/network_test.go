package flow

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// separable returns n 2-D points labelled by the sign of their first
// coordinate, with a margin around zero.
func separable(n int, seed int64) ([]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	images := make([]float64, 0, 2*n)
	labels := make([]int, 0, n)
	for i := 0; i < n; i++ {
		label := i % 2
		x0 := 0.5 + rng.Float64()
		if label == 0 {
			x0 = -x0
		}
		images = append(images, x0, rng.Float64()*2-1)
		labels = append(labels, label)
	}
	return images, labels
}

func toyNetwork(t *testing.T, seed int64, lr float64) *Network {
	t.Helper()
	net, err := NewNetwork(NetworkConfig{Seed: seed}).
		AddNamed("fc1", Dense(8).WithActivation(ReLU()).WithInitializer(HeNormal(1.0)).
			WithBiasInitializer(Zeros()).WithBias(true).Build()).
		AddNamed("fc2", Dense(2).WithActivation(Linear()).WithInitializer(XavierNormal(1.0)).
			WithBiasInitializer(Zeros()).WithBias(true).Build()).
		Build([]int{2})
	require.NoError(t, err)
	require.NoError(t, net.Compile(CompileConfig{
		Optimizer: Adam(AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}),
		Loss:      SoftmaxCrossEntropy(CrossEntropyConfig{}),
		Metrics: []Metric{
			Accuracy(),
			Precision(PrecisionConfig{PositiveClass: 1}),
			Recall(RecallConfig{PositiveClass: 1}),
			F1Score(F1Config{PositiveClass: 1}),
		},
		Scheduler:    ReduceLROnPlateau(PlateauConfig{Mode: "max", Factor: 0.5, Patience: 5, Threshold: 1e-4}),
		Monitor:      "val_accuracy",
		GradientClip: GradientClipConfig{Mode: "none"},
	}))
	return net
}

func toySources(t *testing.T) (*SliceSource, *SliceSource) {
	t.Helper()
	trainX, trainY := separable(64, 1)
	valX, valY := separable(16, 2)
	train, err := NewSliceSource(trainX, trainY, 2, 16, true, 9)
	require.NoError(t, err)
	val, err := NewSliceSource(valX, valY, 2, 16, false, 0)
	require.NoError(t, err)
	return train, val
}

func TestFitLearnsSeparableData(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)

	history, err := net.Fit(context.Background(), train, val, FitConfig{Epochs: 20}, nil)
	require.NoError(t, err)
	require.Len(t, history.Epochs, 20)
	assert.False(t, history.Stopped)

	last := history.Last()
	for _, key := range []string{"loss", "accuracy", "val_loss", "val_accuracy", "val_precision", "val_recall", "val_f1", "lr", "next_lr"} {
		assert.Contains(t, last, key)
	}
	assert.GreaterOrEqual(t, last["val_accuracy"], 90.0)

	for _, logs := range history.Epochs {
		assert.GreaterOrEqual(t, logs["loss"], 0.0)
		assert.GreaterOrEqual(t, logs["val_loss"], 0.0)
		assert.True(t, logs["accuracy"] >= 0 && logs["accuracy"] <= 100)
		assert.True(t, logs["val_accuracy"] >= 0 && logs["val_accuracy"] <= 100)
	}
}

func TestFitRejectsEmptySplits(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, _ := toySources(t)
	empty, err := NewSliceSource(nil, nil, 2, 16, false, 0)
	require.NoError(t, err)

	_, err = net.Fit(context.Background(), train, empty, FitConfig{Epochs: 1}, nil)
	assert.ErrorIs(t, err, ErrEmptySource)
	_, err = net.Fit(context.Background(), empty, train, FitConfig{Epochs: 1}, nil)
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestFitHonoursCancellation(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	history, err := net.Fit(ctx, train, val, FitConfig{Epochs: 3}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, history.Epochs)
}

// cutShort serves the first `after` batches of src, then cancels the
// context and reports the end of the pass the way a producer that saw the
// cancellation would.
type cutShort struct {
	BatchSource
	after  int
	cancel context.CancelFunc
}

func (c *cutShort) Iterate(ctx context.Context, epoch int) (BatchIterator, error) {
	it, err := c.BatchSource.Iterate(ctx, epoch)
	if err != nil {
		return nil, err
	}
	return &cutShortIterator{BatchIterator: it, left: c.after, cancel: c.cancel}, nil
}

type cutShortIterator struct {
	BatchIterator
	left   int
	cancel context.CancelFunc
}

func (it *cutShortIterator) Next() (*Batch, error) {
	if it.left == 0 {
		it.cancel()
		return nil, io.EOF
	}
	it.left--
	return it.BatchIterator.Next()
}

func TestFitRejectsValidationCutShortByCancellation(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ended []int
	saver := ModelCheckpoint(ModelCheckpointConfig{
		Monitor: "val_accuracy",
		Mode:    "max",
		Save: func(epoch int, logs Logs) error {
			t.Errorf("checkpoint saved for epoch %d", epoch)
			return nil
		},
	})
	cb := Lambda(LambdaConfig{
		OnEpochEnd: func(epoch int, logs Logs) (bool, error) {
			ended = append(ended, epoch)
			return false, nil
		},
	})
	lr := net.LearningRate()

	history, err := net.Fit(ctx, train, &cutShort{BatchSource: val, after: 1, cancel: cancel},
		FitConfig{Epochs: 1}, []Callback{saver, cb})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, history.Epochs)
	assert.Empty(t, ended)
	_, _, saves := saver.Best()
	assert.Zero(t, saves)
	assert.Equal(t, lr, net.LearningRate())
}

func TestEvaluateRejectsPassCutShortByCancellation(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	_, val := toySources(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs, err := net.Evaluate(ctx, &cutShort{BatchSource: val, after: 0, cancel: cancel}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, logs)
}

func TestFitStepsSchedulerBeforeEpochCallbacks(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	net.scheduler = StepDecay(StepDecayConfig{StepSize: 1, Gamma: 0.5})
	train, val := toySources(t)

	var seen []float64
	var batches []int
	cb := Lambda(LambdaConfig{
		OnPhaseBegin: func(epoch int, phase Phase, n int) {
			if phase == PhaseTrain {
				batches = append(batches, n)
			}
		},
		OnEpochEnd: func(epoch int, logs Logs) (bool, error) {
			seen = append(seen, net.LearningRate())
			assert.Equal(t, logs["next_lr"], net.LearningRate())
			return epoch == 1, nil
		},
	})

	history, err := net.Fit(context.Background(), train, val, FitConfig{Epochs: 5}, []Callback{cb})
	require.NoError(t, err)
	assert.True(t, history.Stopped)
	assert.Len(t, history.Epochs, 2)
	assert.InDeltaSlice(t, []float64{0.025, 0.0125}, seen, 1e-15)
	assert.Equal(t, []float64{0.05, 0.025}, history.Series("lr"))
	assert.Equal(t, []int{4, 4}, batches)
}

func TestFreezeKeepsWeights(t *testing.T) {
	net := toyNetwork(t, 3, 0.05)
	train, val := toySources(t)
	require.NoError(t, net.Freeze(0))
	assert.True(t, net.IsFrozen(0))
	assert.Equal(t, 8*2+2, net.TrainableParameters())

	before := net.StateDict()
	_, err := net.Fit(context.Background(), train, val, FitConfig{Epochs: 2}, nil)
	require.NoError(t, err)
	after := net.StateDict()

	for i, nt := range before {
		if nt.Name == "fc1.weight" || nt.Name == "fc1.bias" {
			assert.Equal(t, nt.Data, after[i].Data, nt.Name)
		} else {
			assert.NotEqual(t, nt.Data, after[i].Data, nt.Name)
		}
	}
	assert.Contains(t, net.FreezeSummary(), "FROZEN")

	net.UnfreezeAll()
	assert.Empty(t, net.FrozenLayers())
	assert.Equal(t, net.TotalParameters(), net.TrainableParameters())
}

func TestFreezeMatching(t *testing.T) {
	net := toyNetwork(t, 3, 0.05)
	assert.Equal(t, 1, net.FreezeMatching("fc1"))
	assert.Equal(t, []int{0}, net.FrozenLayers())
	assert.Error(t, net.Freeze(5))
}

func TestFreezeToAndUnfreeze(t *testing.T) {
	net := toyNetwork(t, 3, 0.05)
	require.NoError(t, net.FreezeTo(net.LayerIndex("fc2")))
	assert.Equal(t, []int{0}, net.FrozenLayers())
	assert.Error(t, net.FreezeTo(3))
	assert.Equal(t, -1, net.LayerIndex("missing"))

	info := net.LayerInfo()
	require.Len(t, info, 2)
	assert.Equal(t, "fc1", info[0].Name)
	assert.True(t, info[0].Frozen)
	assert.Equal(t, 2*8+8, info[0].Parameters)
	assert.False(t, info[1].Frozen)

	require.NoError(t, net.Unfreeze(0))
	assert.False(t, net.IsFrozen(0))
	assert.Error(t, net.Unfreeze(-1))
}

func TestAddLayerNamesByIndexAndKind(t *testing.T) {
	net, err := NewNetwork(NetworkConfig{Seed: 1}).
		AddLayer(Dense(4).WithActivation(ReLU()).WithInitializer(HeNormal(1.0)).
			WithBiasInitializer(Ones()).WithBias(true).Build()).
		AddLayer(Dropout(0.1).Build()).
		Build([]int{3})
	require.NoError(t, err)
	names := net.LayerNames()
	require.Len(t, names, 2)
	assert.Equal(t, 0, net.LayerIndex(names[0]))
	assert.Contains(t, names[0], "0.")
	assert.Contains(t, names[1], "1.")
	bias, ok := net.StateDict().Lookup(names[0] + ".bias")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 1, 1, 1}, bias.Data)

	_, err = NewNetwork(NetworkConfig{}).AddLayer(nil).Build([]int{3})
	assert.Error(t, err)
}

func TestStateDictRoundTripReproducesPredictions(t *testing.T) {
	a := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)
	_, err := a.Fit(context.Background(), train, val, FitConfig{Epochs: 2}, nil)
	require.NoError(t, err)

	b := toyNetwork(t, 99, 0.05)
	report, err := b.LoadStateDict(a.StateDict(), true)
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 4)

	x, _ := separable(8, 5)
	pa, err := a.Predict(x, 8)
	require.NoError(t, err)
	pb, err := b.Predict(x, 8)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	a := toyNetwork(t, 1, 0.05)
	b, err := NewNetwork(NetworkConfig{Seed: 1}).
		AddNamed("fc1", Dense(4).WithActivation(ReLU()).WithInitializer(HeNormal(1.0)).
			WithBiasInitializer(Zeros()).WithBias(true).Build()).
		Build([]int{2})
	require.NoError(t, err)

	_, err = b.LoadStateDict(a.StateDict(), false)
	assert.Error(t, err)
}

func TestLoadStateDictReportsMissing(t *testing.T) {
	a := toyNetwork(t, 1, 0.05)
	sd := a.StateDict()[:2]

	report, err := a.LoadStateDict(sd, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"fc2.weight", "fc2.bias"}, report.Missing)

	_, err = a.LoadStateDict(sd, true)
	assert.ErrorIs(t, err, ErrStateMissing)
}

func TestFitReportsNonFiniteLogits(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)
	net.layers[1].params()[1].value.data[0] = math.NaN()

	_, err := net.Fit(context.Background(), train, val, FitConfig{Epochs: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFinite))
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Epoch)
	assert.Equal(t, 1, fe.Batch)
}

func TestEvaluateDoesNotUpdateWeights(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	_, val := toySources(t)
	before := net.StateDict()

	logs, err := net.Evaluate(context.Background(), val, nil)
	require.NoError(t, err)
	assert.Contains(t, logs, "accuracy")
	assert.Equal(t, before, net.StateDict())
}

func TestOptimizerStateThroughNetwork(t *testing.T) {
	net := toyNetwork(t, 1, 0.05)
	train, val := toySources(t)
	_, err := net.Fit(context.Background(), train, val, FitConfig{Epochs: 1}, nil)
	require.NoError(t, err)

	st, err := net.OptimizerState()
	require.NoError(t, err)
	assert.Equal(t, "adam", st.Kind)
	assert.Equal(t, 4, st.Step)

	other := toyNetwork(t, 1, 0.001)
	require.NoError(t, other.LoadOptimizerState(st))
	assert.Equal(t, 0.05, other.LearningRate())
}
