package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	flow "highlight/src"
)

// LoaderConfig controls batching and decoding.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool // new order every epoch
	Workers   int  // concurrent decodes per batch
	Prefetch  int  // batches decoded ahead of the consumer
	Seed      int64
	Transform Transform
}

// Loader serves a fixed subset of Frames as flow batches. Batch order and
// augmentation depend only on Seed, the epoch and the sample index, so a
// run is reproducible whatever the worker count.
type Loader struct {
	frames  *Frames
	indices []int
	cfg     LoaderConfig
}

func NewLoader(frames *Frames, indices []int, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Transform.Size <= 0 {
		return nil, fmt.Errorf("dataset: image size must be > 0, got %d", cfg.Transform.Size)
	}
	for _, i := range indices {
		if i < 0 || i >= frames.Len() {
			return nil, fmt.Errorf("dataset: index %d out of range [0,%d)", i, frames.Len())
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	return &Loader{frames: frames, indices: append([]int(nil), indices...), cfg: cfg}, nil
}

func (l *Loader) NumSamples() int { return len(l.indices) }

func (l *Loader) NumBatches() int {
	return (len(l.indices) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// SampleShape is the HWC shape of one sample.
func (l *Loader) SampleShape() []int {
	return []int{l.cfg.Transform.Size, l.cfg.Transform.Size, 3}
}

// Order returns the sample indices in the order epoch visits them.
func (l *Loader) Order(epoch int) []int {
	order := append([]int(nil), l.indices...)
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(mix(l.cfg.Seed, int64(epoch), -1)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

type loadResult struct {
	batch *flow.Batch
	err   error
}

// Iterate starts a producer that decodes batches in order into a channel
// holding up to Prefetch batches.
func (l *Loader) Iterate(ctx context.Context, epoch int) (flow.BatchIterator, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := &loaderIterator{
		results: make(chan loadResult, l.cfg.Prefetch),
		cancel:  cancel,
	}
	order := l.Order(epoch)

	go func() {
		defer close(it.results)
		for lo := 0; lo < len(order); lo += l.cfg.BatchSize {
			hi := min(lo+l.cfg.BatchSize, len(order))
			b, err := l.loadBatch(ctx, epoch, order[lo:hi])
			select {
			case it.results <- loadResult{batch: b, err: err}:
			case <-ctx.Done():
				it.err = ctx.Err()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it, nil
}

func (l *Loader) loadBatch(ctx context.Context, epoch int, idx []int) (*flow.Batch, error) {
	size := l.cfg.Transform.SampleSize()
	b := &flow.Batch{
		Images: make([]float64, len(idx)*size),
		Labels: make([]int, len(idx)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for k, i := range idx {
		k, i := k, i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rng *rand.Rand
			if l.cfg.Transform.Augments() {
				rng = rand.New(rand.NewSource(mix(l.cfg.Seed, int64(epoch), int64(i))))
			}
			px, label, err := l.frames.Load(i, l.cfg.Transform, rng)
			if err != nil {
				return err
			}
			copy(b.Images[k*size:], px)
			b.Labels[k] = label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

type loaderIterator struct {
	results chan loadResult
	cancel  context.CancelFunc
	// set by the producer before it closes results
	err error
}

// Next returns io.EOF only after every batch was delivered. A producer cut
// short by cancellation yields the context error instead.
func (it *loaderIterator) Next() (*flow.Batch, error) {
	r, ok := <-it.results
	if !ok {
		if it.err != nil {
			return nil, it.err
		}
		return nil, io.EOF
	}
	return r.batch, r.err
}

// Close stops the producer and waits for it to exit.
func (it *loaderIterator) Close() error {
	it.cancel()
	for range it.results {
	}
	return nil
}

// mix derives a seed from a base seed, an epoch and a sample index
// (splitmix64 finaliser).
func mix(seed, epoch, index int64) int64 {
	z := uint64(seed) + 0x9e3779b97f4a7c15*uint64(epoch+1) + 0xbf58476d1ce4e5b9*uint64(index+2)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
