package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flow "highlight/src"
)

func tinyNetwork(t *testing.T, seed int64) *flow.Network {
	t.Helper()
	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: seed}).
		AddNamed("head.fc1", flow.Dense(4).WithActivation(flow.ReLU()).WithInitializer(flow.HeNormal(1.0)).
			WithBiasInitializer(flow.Constant(0.1)).WithBias(true).Build()).
		AddNamed("head.fc2", flow.Dense(2).WithActivation(flow.Linear()).WithInitializer(flow.XavierNormal(1.0)).
			WithBiasInitializer(flow.Zeros()).WithBias(true).Build()).
		Build([]int{3})
	require.NoError(t, err)
	require.NoError(t, net.Compile(flow.CompileConfig{
		Optimizer:    flow.Adam(flow.AdamConfig{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}),
		Loss:         flow.SoftmaxCrossEntropy(flow.CrossEntropyConfig{}),
		Metrics:      []flow.Metric{flow.Accuracy()},
		GradientClip: flow.GradientClipConfig{Mode: "none"},
	}))
	return net
}

func TestSaveLoadReproducesPredictions(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	a := tinyNetwork(t, 1)
	opt, err := a.OptimizerState()
	require.NoError(t, err)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, Save(path, &Checkpoint{
		Epoch:       3,
		ValAccuracy: 87.5,
		Model:       a.StateDict(),
		Optimizer:   opt,
		Meta:        Meta{RunID: "run-1", Arch: "test", ImageSize: 3, NumClasses: 2, CreatedAt: created},
	}))

	ck, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, ck.Epoch)
	assert.Equal(t, 87.5, ck.ValAccuracy)
	assert.Equal(t, "adam", ck.Optimizer.Kind)
	assert.Equal(t, 0.001, ck.Optimizer.LR)
	assert.Equal(t, "run-1", ck.Meta.RunID)
	assert.True(t, created.Equal(ck.Meta.CreatedAt))

	b := tinyNetwork(t, 2)
	_, err = b.LoadStateDict(ck.Model, true)
	require.NoError(t, err)
	require.NoError(t, b.LoadOptimizerState(ck.Optimizer))

	x := []float64{0.5, -1, 2, 1, 1, 1}
	pa, err := a.Predict(x, 2)
	require.NoError(t, err)
	pb, err := b.Predict(x, 2)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestSaveOverwritesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	net := tinyNetwork(t, 1)

	require.NoError(t, Save(path, &Checkpoint{Epoch: 0, ValAccuracy: 50, Model: net.StateDict()}))
	require.NoError(t, Save(path, &Checkpoint{Epoch: 4, ValAccuracy: 75, Model: net.StateDict()}))

	ck, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, ck.Epoch)
	assert.Equal(t, 75.0, ck.ValAccuracy)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestLoadWeightsAcceptsBothFormats(t *testing.T) {
	dir := t.TempDir()
	net := tinyNetwork(t, 1)
	sd := net.StateDict()

	ckPath := filepath.Join(dir, "model.pth")
	require.NoError(t, Save(ckPath, &Checkpoint{Model: sd}))
	wPath := filepath.Join(dir, "backbone.weights")
	require.NoError(t, SaveWeights(wPath, sd))

	for _, p := range []string{ckPath, wPath} {
		got, err := LoadWeights(p)
		require.NoError(t, err, p)
		assert.Equal(t, sd.Names(), got.Names())
		assert.Equal(t, sd[0].Data, got[0].Data)
	}

	_, err := Load(wPath)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestLoadRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.pth")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 torch zip"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrFormat)
	_, err = LoadWeights(path)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Load(filepath.Join(dir, "missing.pth"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveFailsForMissingDirectory(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "nope", FileName), &Checkpoint{})
	assert.Error(t, err)
}
