package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlight/internal/manifest"
)

// solidFrames writes n solid-colour PNGs whose red channel encodes the
// sample index.
func solidFrames(t *testing.T, n int) *Frames {
	t.Helper()
	dir := t.TempDir()
	f := &Frames{}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 6, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 6; x++ {
				img.Set(x, y, color.RGBA{R: uint8(10 * i), G: 100, B: 200, A: 255})
			}
		}
		path := filepath.Join(dir, "frame_"+string(rune('a'+i))+".png")
		out, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(out, img))
		require.NoError(t, out.Close())
		f.Paths = append(f.Paths, path)
		f.Labels = append(f.Labels, i%2)
	}
	return f
}

// sampleIndex recovers the index encoded by solidFrames from a normalised
// sample.
func sampleIndex(px []float64) int {
	red := px[0]*ImageNetStd[0] + ImageNetMean[0]
	return int(math.Round(red * 255 / 10))
}

func drain(t *testing.T, l *Loader, epoch int) ([]int, []int) {
	t.Helper()
	it, err := l.Iterate(context.Background(), epoch)
	require.NoError(t, err)
	defer it.Close()

	var seen, sizes []int
	size := l.cfg.Transform.SampleSize()
	for {
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, b.Size())
		for k := 0; k < b.Size(); k++ {
			idx := sampleIndex(b.Images[k*size : (k+1)*size])
			assert.Equal(t, idx%2, b.Labels[k])
			seen = append(seen, idx)
		}
	}
	return seen, sizes
}

func TestSplitSizes(t *testing.T) {
	for _, n := range []int{2, 5, 10, 11, 99} {
		train, val, err := Split(n, 0.8, rand.New(rand.NewSource(1)))
		require.NoError(t, err, "n=%d", n)
		assert.Len(t, train, int(math.Floor(0.8*float64(n))))
		assert.Equal(t, n, len(train)+len(val))

		all := append(append([]int(nil), train...), val...)
		sort.Ints(all)
		for i, v := range all {
			assert.Equal(t, i, v)
		}
	}
}

func TestSplitRejectsEmptySubsets(t *testing.T) {
	_, _, err := Split(1, 0.8, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrEmptySplit)
	_, _, err = Split(0, 0.8, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrEmptySplit)
	_, _, err = Split(10, 1, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestEvalTransformNormalises(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 7))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	px := EvalTransform(4).Apply(img, nil)
	require.Len(t, px, 4*4*3)
	for i, v := range px {
		c := i % 3
		assert.InDelta(t, (128.0/255-ImageNetMean[c])/ImageNetStd[c], v, 0.02)
	}
	assert.False(t, EvalTransform(4).Augments())
	assert.True(t, TrainTransform(4).Augments())
}

func TestFlipMirrorsColumns(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})

	tr := Transform{Size: 2, FlipProb: 1, Std: [3]float64{1, 1, 1}}
	px := tr.Apply(img, rand.New(rand.NewSource(1)))
	// both rows of the 2x2 output: blue then red
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 0, 0, 1, 1, 0, 0}, px)
}

func TestTrainTransformStaysFinite(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	rng := rand.New(rand.NewSource(3))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	px := TrainTransform(8).Apply(img, rng)
	require.Len(t, px, 8*8*3)
	for _, v := range px {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		assert.LessOrEqual(t, v, (1-0.406)/0.225+1e-9)
		assert.GreaterOrEqual(t, v, -0.485/0.229-1e-9)
	}
}

func TestLoaderVisitsEverySampleOnce(t *testing.T) {
	frames := solidFrames(t, 10)
	l, err := NewLoader(frames, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, LoaderConfig{
		BatchSize: 3,
		Workers:   4,
		Prefetch:  2,
		Transform: EvalTransform(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, l.NumBatches())
	assert.Equal(t, []int{2, 2, 3}, l.SampleShape())

	seen, sizes := drain(t, l, 0)
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestLoaderShufflesPerEpoch(t *testing.T) {
	frames := solidFrames(t, 8)
	subset := []int{1, 2, 3, 5, 6, 7}
	cfg := LoaderConfig{BatchSize: 4, Shuffle: true, Workers: 2, Prefetch: 1, Seed: 42, Transform: EvalTransform(2)}
	l, err := NewLoader(frames, subset, cfg)
	require.NoError(t, err)

	first, _ := drain(t, l, 0)
	again, _ := drain(t, l, 0)
	second, _ := drain(t, l, 1)

	assert.Equal(t, first, again)
	assert.Equal(t, l.Order(0), first)
	assert.NotEqual(t, l.Order(0), l.Order(1))
	assert.Equal(t, l.Order(1), second)
	assert.ElementsMatch(t, subset, first)
	assert.ElementsMatch(t, subset, second)
}

func TestLoaderAugmentationIsReproducible(t *testing.T) {
	frames := solidFrames(t, 4)
	cfg := LoaderConfig{BatchSize: 4, Workers: 3, Seed: 7, Transform: TrainTransform(4)}
	a, err := NewLoader(frames, []int{0, 1, 2, 3}, cfg)
	require.NoError(t, err)
	cfg.Workers = 1
	b, err := NewLoader(frames, []int{0, 1, 2, 3}, cfg)
	require.NoError(t, err)

	next := func(l *Loader) []float64 {
		it, err := l.Iterate(context.Background(), 3)
		require.NoError(t, err)
		defer it.Close()
		batch, err := it.Next()
		require.NoError(t, err)
		return batch.Images
	}
	assert.Equal(t, next(a), next(b))
}

func TestLoaderReportsDecodeErrors(t *testing.T) {
	frames := solidFrames(t, 3)
	bad := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	frames.Paths[1] = bad

	l, err := NewLoader(frames, []int{0, 1, 2}, LoaderConfig{BatchSize: 2, Workers: 2, Transform: EvalTransform(2)})
	require.NoError(t, err)
	it, err := l.Iterate(context.Background(), 0)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "broken.jpg")
}

func TestLoaderCloseStopsEarly(t *testing.T) {
	frames := solidFrames(t, 6)
	l, err := NewLoader(frames, []int{0, 1, 2, 3, 4, 5}, LoaderConfig{BatchSize: 1, Workers: 1, Prefetch: 1, Transform: EvalTransform(2)})
	require.NoError(t, err)
	it, err := l.Iterate(context.Background(), 0)
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)
	assert.NoError(t, it.Close())
}

func TestLoaderReportsCancellationNotEOF(t *testing.T) {
	frames := solidFrames(t, 8)
	l, err := NewLoader(frames, []int{0, 1, 2, 3, 4, 5, 6, 7}, LoaderConfig{BatchSize: 1, Workers: 1, Transform: EvalTransform(2)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	it, err := l.Iterate(ctx, 0)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	require.NoError(t, err)
	cancel()

	for i := 0; i < 8; i++ {
		if _, err = it.Next(); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestTransformDropsAlphaWithoutDarkening(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 64})
		}
	}
	tr := Transform{Size: 2, Std: [3]float64{1, 1, 1}}
	px := tr.Apply(img, nil)
	require.Len(t, px, 2*2*3)
	for i := 0; i < len(px); i += 3 {
		assert.InDelta(t, 200.0/255, px[i], 0.01)
		assert.InDelta(t, 100.0/255, px[i+1], 0.01)
		assert.InDelta(t, 50.0/255, px[i+2], 0.01)
	}
}

func TestNewLoaderValidates(t *testing.T) {
	frames := solidFrames(t, 2)
	_, err := NewLoader(frames, []int{0, 5}, LoaderConfig{BatchSize: 1, Transform: EvalTransform(2)})
	assert.Error(t, err)
	_, err = NewLoader(frames, []int{0}, LoaderConfig{BatchSize: 0, Transform: EvalTransform(2)})
	assert.Error(t, err)
}

func TestFromManifestCounts(t *testing.T) {
	m := &manifest.Manifest{Frames: []string{"a.jpg", "b.jpg", "c.jpg"}, Labels: []int{1, 0, 1}, Dir: "/data"}
	f := FromManifest(m)
	assert.Equal(t, "/data/a.jpg", f.Paths[0])
	assert.Equal(t, []int{1, 1}, f.CountLabels([]int{0, 1}, manifest.NumClasses))
	assert.Equal(t, []int{0, 2}, f.CountLabels([]int{0, 2}, manifest.NumClasses))
}
