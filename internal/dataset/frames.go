// Package dataset turns a manifest into training data: lazily decoded,
// transformed frames, the train/validation split and batch loaders that
// feed the flow engine.
package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	_ "golang.org/x/image/webp"

	"highlight/internal/manifest"
)

var ErrDecode = errors.New("dataset: cannot decode frame")

// Frames is an index-aligned list of image paths and class labels. Images
// are read from disk only when a sample is requested.
type Frames struct {
	Paths  []string
	Labels []int
}

// FromManifest builds Frames with every path resolved against the
// manifest's directory.
func FromManifest(m *manifest.Manifest) *Frames {
	return &Frames{
		Paths:  m.Paths(),
		Labels: append([]int(nil), m.Labels...),
	}
}

// Len is the number of samples.
func (f *Frames) Len() int {
	return len(f.Paths)
}

// Load decodes frame i, converts it to RGB and applies t. The result is
// an HWC float64 slice of t.SampleSize() values.
func (f *Frames) Load(i int, t Transform, rng *rand.Rand) ([]float64, int, error) {
	if i < 0 || i >= len(f.Paths) {
		return nil, 0, fmt.Errorf("dataset: index %d out of range [0,%d)", i, len(f.Paths))
	}
	img, err := decodeFile(f.Paths[i])
	if err != nil {
		return nil, 0, err
	}
	return t.Apply(img, rng), f.Labels[i], nil
}

func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrDecode, path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrDecode, path, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w %s: empty image", ErrDecode, path)
	}
	return img, nil
}

// CountLabels returns per-class totals over the given indices.
func (f *Frames) CountLabels(indices []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, i := range indices {
		if l := f.Labels[i]; l >= 0 && l < numClasses {
			counts[l]++
		}
	}
	return counts
}
