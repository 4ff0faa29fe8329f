package plan

import (
	"sync"
	"sync/atomic"
)

// workers bounds goroutine parallelism inside a single kernel. Values <= 1
// run kernels on the calling goroutine.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the maximum number of goroutines a kernel may use.
func SetWorkers(n int) {
	workers.Store(int32(max(1, min(n, 1<<16))))
}

// minParallel keeps small tensors off the goroutine path.
const minParallel = 1 << 14

func parallelFor(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	w := int(workers.Load())
	if w <= 1 || n < minParallel {
		fn(0, n)
		return
	}
	w = min(w, n)
	chunk := (n + w - 1) / w
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

func unary(src []float32, f func(float32) float32) []float32 {
	dst := make([]float32, len(src))
	parallelFor(len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = f(src[i])
		}
	})
	return dst
}

func binaryOp(a, b []float32, f func(x, y float32) float32) []float32 {
	dst := make([]float32, len(a))
	parallelFor(len(a), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = f(a[i], b[i])
		}
	})
	return dst
}

// reduceSum sums src of the given shape along axis.
func reduceSum(src []float32, shape []int64, axis int) []float32 {
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= int(shape[i])
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= int(shape[i])
	}
	n := int(shape[axis])
	dst := make([]float32, outer*inner)
	parallelFor(outer, func(lo, hi int) {
		for o := lo; o < hi; o++ {
			base := o * n * inner
			for k := 0; k < n; k++ {
				row := src[base+k*inner : base+(k+1)*inner]
				out := dst[o*inner : (o+1)*inner]
				for i, v := range row {
					out[i] += v
				}
			}
		}
	})
	return dst
}

// transposeLast swaps the two innermost axes.
func transposeLast(src []float32, shape []int64) []float32 {
	r := len(shape)
	rows, cols := int(shape[r-2]), int(shape[r-1])
	batch := 1
	for i := 0; i < r-2; i++ {
		batch *= int(shape[i])
	}
	dst := make([]float32, len(src))
	plane := rows * cols
	parallelFor(batch, func(lo, hi int) {
		for b := lo; b < hi; b++ {
			in := src[b*plane : (b+1)*plane]
			out := dst[b*plane : (b+1)*plane]
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					out[j*rows+i] = in[i*cols+j]
				}
			}
		}
	})
	return dst
}
