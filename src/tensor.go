package flow

import (
	"math"
	"math/rand"
)

// tensor is a dense row-major float64 array. Internal only.
type tensor struct {
	data  []float64
	shape []int
}

func newTensor(shape ...int) *tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size < 0 {
		size = 0
	}
	return &tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// wrapTensor shares data without copying.
func wrapTensor(data []float64, shape ...int) *tensor {
	return &tensor{data: data, shape: append([]int(nil), shape...)}
}

func (t *tensor) size() int {
	return len(t.data)
}

// rows is the leading (batch) dimension.
func (t *tensor) rows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// cols is the product of all dimensions after the leading one.
func (t *tensor) cols() int {
	c := 1
	for _, s := range t.shape[1:] {
		c *= s
	}
	return c
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *tensor) zero() {
	clear(t.data)
}

func (t *tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *tensor) clone() *tensor {
	nt := newTensor(t.shape...)
	copy(nt.data, t.data)
	return nt
}

// matmul computes out = a @ b for a [m,k] and b [k,n].
func matmul(a, b, out *tensor) {
	m := a.shape[0]
	k := a.cols()
	n := b.shape[1]

	out.zero()
	for i := 0; i < m; i++ {
		row := out.data[i*n : (i+1)*n]
		for l := 0; l < k; l++ {
			av := a.data[i*k+l]
			if av == 0 {
				continue
			}
			brow := b.data[l*n : (l+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// matmulTransA computes out = a^T @ b for a [k,m] and b [k,n].
func matmulTransA(a, b, out *tensor) {
	k := a.shape[0]
	m := a.cols()
	n := b.cols()

	out.zero()
	for l := 0; l < k; l++ {
		brow := b.data[l*n : (l+1)*n]
		for i := 0; i < m; i++ {
			av := a.data[l*m+i]
			if av == 0 {
				continue
			}
			row := out.data[i*n : (i+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// matmulTransB computes out = a @ b^T for a [m,k] and b [n,k].
func matmulTransB(a, b, out *tensor) {
	m := a.shape[0]
	k := a.cols()
	n := b.shape[0]

	for i := 0; i < m; i++ {
		arow := a.data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			brow := b.data[j*k : (j+1)*k]
			sum := 0.0
			for l, av := range arow {
				sum += av * brow[l]
			}
			out.data[i*n+j] = sum
		}
	}
}

// addRowVec adds b to every row of a.
func addRowVec(a, b *tensor) {
	n := len(b.data)
	for i := range a.data {
		a.data[i] += b.data[i%n]
	}
}

// sumRows accumulates the rows of a into out.
func sumRows(a, out *tensor) {
	n := len(out.data)
	out.zero()
	for i, v := range a.data {
		out.data[i%n] += v
	}
}

func mulScalar(a *tensor, s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

func clip(a *tensor, min, max float64) {
	for i := range a.data {
		if a.data[i] < min {
			a.data[i] = min
		} else if a.data[i] > max {
			a.data[i] = max
		}
	}
}

func l2Norm(a *tensor) float64 {
	sum := 0.0
	for _, v := range a.data {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return size
}
