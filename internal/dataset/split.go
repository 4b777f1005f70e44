package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrEmptySplit = errors.New("dataset: split leaves a subset empty")

// Split randomly partitions the indices 0..n-1. The training subset gets
// floor(trainFraction*n) indices and validation the rest; both are
// non-empty or ErrEmptySplit is returned.
func Split(n int, trainFraction float64, rng *rand.Rand) (train, val []int, err error) {
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: train fraction must be in (0,1), got %g", trainFraction)
	}
	trainSize := int(math.Floor(trainFraction * float64(n)))
	if trainSize == 0 || n-trainSize == 0 {
		return nil, nil, fmt.Errorf("%w: %d samples give %d training and %d validation", ErrEmptySplit, n, trainSize, n-trainSize)
	}
	perm := rng.Perm(n)
	return perm[:trainSize], perm[trainSize:], nil
}
