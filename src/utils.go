package flow

import (
	"fmt"
	"runtime"
	"sync"
)

// parallelism is the number of workers parallelFor uses for n items.
func parallelism(n int) int {
	return max(1, min(n, runtime.GOMAXPROCS(0)))
}

// parallelFor runs fn(worker, i) for every i in [0, n). Each worker index
// is used by exactly one goroutine, so per-worker scratch buffers need no
// locking.
func parallelFor(n int, fn func(worker, i int)) {
	workers := parallelism(n)
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; i < n; i += workers {
				fn(worker, i)
			}
		}(w)
	}
	wg.Wait()
}

// argmax returns the index of the largest value in row.
func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func formatShape(shape []int) string {
	return fmt.Sprint(shape)
}
