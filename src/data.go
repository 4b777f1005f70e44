package flow

import (
	"context"
	"io"
	"math/rand"
)

// Batch is one minibatch: row-major sample data (NHWC for images) and one
// integer label per sample.
type Batch struct {
	Images []float64
	Labels []int
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// BatchIterator yields the batches of one pass. Next returns io.EOF after
// the last batch.
type BatchIterator interface {
	Next() (*Batch, error)
	Close() error
}

// BatchSource produces one pass of batches per epoch. Implementations
// decide ordering; Iterate is called once per epoch with its 0-based
// index.
type BatchSource interface {
	NumSamples() int
	NumBatches() int
	Iterate(ctx context.Context, epoch int) (BatchIterator, error)
}

// SliceSource serves batches from in-memory samples.
type SliceSource struct {
	images     []float64
	labels     []int
	sampleSize int
	batchSize  int
	shuffle    bool
	seed       int64
}

// NewSliceSource wraps len(labels) samples of sampleSize values each.
// With shuffle set, every epoch uses a permutation derived from seed and
// the epoch index.
func NewSliceSource(images []float64, labels []int, sampleSize, batchSize int, shuffle bool, seed int64) (*SliceSource, error) {
	if sampleSize <= 0 || batchSize <= 0 {
		return nil, errorf("sampleSize and batchSize must be > 0, got %d and %d", sampleSize, batchSize)
	}
	if len(images) != len(labels)*sampleSize {
		return nil, errorf("%d values for %d samples of size %d", len(images), len(labels), sampleSize)
	}
	return &SliceSource{
		images:     images,
		labels:     labels,
		sampleSize: sampleSize,
		batchSize:  batchSize,
		shuffle:    shuffle,
		seed:       seed,
	}, nil
}

func (s *SliceSource) NumSamples() int { return len(s.labels) }

func (s *SliceSource) NumBatches() int {
	return (len(s.labels) + s.batchSize - 1) / s.batchSize
}

func (s *SliceSource) Iterate(ctx context.Context, epoch int) (BatchIterator, error) {
	order := make([]int, len(s.labels))
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &sliceIterator{src: s, order: order, ctx: ctx}, nil
}

type sliceIterator struct {
	src   *SliceSource
	order []int
	pos   int
	ctx   context.Context
}

func (it *sliceIterator) Next() (*Batch, error) {
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.order) {
		return nil, io.EOF
	}
	end := min(it.pos+it.src.batchSize, len(it.order))
	idx := it.order[it.pos:end]
	it.pos = end

	b := &Batch{
		Images: make([]float64, 0, len(idx)*it.src.sampleSize),
		Labels: make([]int, 0, len(idx)),
	}
	for _, i := range idx {
		b.Images = append(b.Images, it.src.images[i*it.src.sampleSize:(i+1)*it.src.sampleSize]...)
		b.Labels = append(b.Labels, it.src.labels[i])
	}
	return b, nil
}

func (it *sliceIterator) Close() error { return nil }
