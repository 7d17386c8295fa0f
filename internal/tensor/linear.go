package tensor

import (
	"runtime"
	"sync"
)

// parallelThreshold is the multiply-add count below which Linear stays on
// the calling goroutine.
const parallelThreshold = 1 << 16

// Linear computes dst[t] = w·x[t] + b for every row t of x.
//
// x holds n rows of w.C values, dst receives n rows of w.R values and b may
// be nil. Work is split over the output features of w so each goroutine reads
// a disjoint slice of the weights.
func Linear(dst, x []float32, n int, w *Mat, b []float32) {
	if w.R == 0 || n == 0 {
		return
	}
	if len(x) < n*w.C || len(dst) < n*w.R {
		panic("linear shape mismatch")
	}
	if b != nil && len(b) < w.R {
		panic("linear bias too short")
	}

	workers := runtime.GOMAXPROCS(0)
	if n*w.R*w.C < parallelThreshold || workers <= 1 {
		linearRange(dst, x, n, w, b, 0, w.R)
		return
	}
	workers = min(workers, w.R)
	chunk := (w.R + workers - 1) / workers

	var wg sync.WaitGroup
	for rs := 0; rs < w.R; rs += chunk {
		re := min(rs+chunk, w.R)
		wg.Add(1)
		go func() {
			defer wg.Done()
			linearRange(dst, x, n, w, b, rs, re)
		}()
	}
	wg.Wait()
}

func linearRange(dst, x []float32, n int, w *Mat, b []float32, rs, re int) {
	for t := range n {
		in := x[t*w.C : (t+1)*w.C]
		out := dst[t*w.R : (t+1)*w.R]
		for r := rs; r < re; r++ {
			sum := Dot(w.Data[r*w.C:(r+1)*w.C], in)
			if b != nil {
				sum += b[r]
			}
			out[r] = sum
		}
	}
}
