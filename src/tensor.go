package flow

import (
	"math"
	"math/rand"
)

// tensor is the dense row-major storage used by every layer. It is not
// exposed; callers exchange flat []float64 slices plus a shape.
type tensor struct {
	data   []float64
	shape  []int
	stride []int
	grad   []float64
}

func newTensor(shape ...int) *tensor {
	size := 1
	for _, s := range shape {
		if s <= 0 {
			s = 1
		}
		size *= s
	}
	stride := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if i == len(shape)-1 {
			stride[i] = 1
		} else {
			stride[i] = stride[i+1] * shape[i+1]
		}
	}
	return &tensor{
		data:   make([]float64, size),
		shape:  shape,
		stride: stride,
		grad:   make([]float64, size),
	}
}

// tensorFrom wraps data without copying. len(data) must equal the shape product.
func tensorFrom(data []float64, shape ...int) *tensor {
	t := &tensor{data: data, shape: shape, grad: make([]float64, len(data))}
	t.stride = make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		t.stride[i] = acc
		acc *= shape[i]
	}
	return t
}

func (t *tensor) size() int {
	return len(t.data)
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
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

func (t *tensor) zeroGrad() {
	clear(t.grad)
}

// Matrix operations - no bounds checking, callers guarantee shapes
func matmul(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[1]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[i*k+l] * b.data[l*n+j]
			}
			out.data[i*n+j] = sum
		}
	}
}

// matmulTransA computes aᵀ·b and accumulates into out.
func matmulTransA(a, b, out *tensor) {
	m := a.shape[1]
	k := a.shape[0]
	n := b.shape[1]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[l*m+i] * b.data[l*n+j]
			}
			out.data[i*n+j] += sum
		}
	}
}

func matmulTransB(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[0]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[i*k+l] * b.data[j*k+l]
			}
			out.data[i*n+j] = sum
		}
	}
}

func addVec(a *tensor, b *tensor) {
	for i := range a.data {
		a.data[i] += b.data[i%len(b.data)]
	}
}

func mulScalar(a *tensor, s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

// sumAxis0 accumulates column sums of a 2-D tensor into out.
func sumAxis0(a *tensor, out []float64) {
	rows := a.shape[0]
	cols := a.shape[1]
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += a.data[i*cols+j]
		}
		out[j] += sum
	}
}

func clip(a []float64, min, max float64) {
	for i := range a {
		if a[i] < min {
			a[i] = min
		} else if a[i] > max {
			a[i] = max
		}
	}
}

func l2Norm(a []float64) float64 {
	sum := 0.0
	for _, v := range a {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func shapeProduct(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func validateShape(expected, got []int) error {
	if len(expected) != len(got) {
		return errorf("shape mismatch - expected %v, got %v", expected, got)
	}
	for i := range expected {
		if expected[i] != got[i] {
			return errorf("shape mismatch - expected %v, got %v", expected, got)
		}
	}
	return nil
}
