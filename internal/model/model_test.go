package model

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func smallConfig(seed int64) Config {
	return Config{
		ImageSize:  16,
		StemWidth:  4,
		Widths:     []int{4, 8},
		Strides:    []int{1, 2},
		HeadHidden: 8,
		Dropout:    [2]float64{0.3, 0.2},
		Seed:       seed,
	}
}

func TestNewBuildsTwoClassHead(t *testing.T) {
	c, err := New(smallConfig(1), quiet)
	require.NoError(t, err)
	assert.Equal(t, []int{NumClasses}, c.Net.OutputShape())
	assert.Equal(t, []int{16, 16, 3}, c.Net.InputShape())

	names := c.Net.StateDict().Names()
	for _, want := range []string{
		"stem.conv.weight", "stem.bn.running_var",
		"layer1.conv1.weight", "layer2.downsample.conv.weight",
		"head.fc1.weight", "head.fc2.bias",
	} {
		assert.Contains(t, names, want)
	}

	logits, err := c.Net.Predict(make([]float64, 2*16*16*3), 2)
	require.NoError(t, err)
	require.Len(t, logits, 2)
	assert.Len(t, logits[0], NumClasses)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := smallConfig(1)
	cfg.ImageSize = 4
	_, err := New(cfg, quiet)
	assert.Error(t, err)

	cfg = smallConfig(1)
	cfg.Strides = []int{1}
	_, err = New(cfg, quiet)
	assert.Error(t, err)
}

func TestLoadBackboneSkipsHead(t *testing.T) {
	src, err := New(smallConfig(1), quiet)
	require.NoError(t, err)
	dst, err := New(smallConfig(2), quiet)
	require.NoError(t, err)

	report, err := dst.LoadBackbone(src.Net.StateDict())
	require.NoError(t, err)
	assert.Empty(t, report.Missing)

	want := src.Net.StateDict()
	got := dst.Net.StateDict()
	for i, nt := range got {
		if IsBackbone(nt.Name) {
			assert.Equal(t, want[i].Data, nt.Data, nt.Name)
		} else if nt.Name == "head.fc1.weight" || nt.Name == "head.fc2.weight" {
			assert.NotEqual(t, want[i].Data, nt.Data, nt.Name)
		}
	}
}

func TestLoadBackboneReportsMissing(t *testing.T) {
	src, err := New(smallConfig(1), quiet)
	require.NoError(t, err)
	dst, err := New(smallConfig(2), quiet)
	require.NoError(t, err)

	partial := src.Net.StateDict()[:3]
	report, err := dst.LoadBackbone(partial)
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 3)
	assert.NotEmpty(t, report.Missing)
	for _, name := range report.Missing {
		assert.True(t, IsBackbone(name), name)
	}
}

func TestLoadBackboneRejectsShapeMismatch(t *testing.T) {
	src, err := New(smallConfig(1), quiet)
	require.NoError(t, err)
	cfg := smallConfig(2)
	cfg.StemWidth = 6
	dst, err := New(cfg, quiet)
	require.NoError(t, err)

	_, err = dst.LoadBackbone(src.Net.StateDict())
	assert.Error(t, err)
}

func TestFreezeBackboneLeavesHeadTrainable(t *testing.T) {
	c, err := New(smallConfig(1), quiet)
	require.NoError(t, err)

	assert.Equal(t, 7, c.FreezeBackbone())
	// head.fc1: 8*8+8, head.fc2: 8*2+2
	assert.Equal(t, 72+18, c.Net.TrainableParameters())
	assert.Contains(t, c.Summary(), "trainable=90")
}
