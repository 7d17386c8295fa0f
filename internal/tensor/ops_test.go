package tensor

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func linearNaive(dst, x []float32, n int, w *Mat, b []float32) {
	for t := 0; t < n; t++ {
		for r := 0; r < w.R; r++ {
			var sum float32
			for c := 0; c < w.C; c++ {
				sum += w.Data[r*w.C+c] * x[t*w.C+c]
			}
			if b != nil {
				sum += b[r]
			}
			dst[t*w.R+r] = sum
		}
	}
}

func TestLinearMatchesNaive(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ n, r, c int }{
		{1, 3, 4},
		{7, 96, 128}, // large enough to take the parallel path
	} {
		w := NewMat(tc.r, tc.c)
		FillRand(&w, 1, 0.1)
		xm := NewMat(tc.n, tc.c)
		FillRand(&xm, 2, 1)
		bias := NewMat(1, tc.r)
		FillRand(&bias, 3, 1)

		want := make([]float32, tc.n*tc.r)
		got := make([]float32, tc.n*tc.r)
		linearNaive(want, xm.Data, tc.n, &w, bias.Data)
		Linear(got, xm.Data, tc.n, &w, bias.Data)

		for i := range want {
			if !almostEqual(float64(want[i]), float64(got[i]), 1e-5) {
				t.Fatalf("n=%d r=%d c=%d: index %d got %v want %v", tc.n, tc.r, tc.c, i, got[i], want[i])
			}
		}
	}
}

func TestLinearShapeMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	w := NewMat(2, 3)
	Linear(make([]float32, 2), make([]float32, 2), 1, &w, nil)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 1000}
	Softmax(x)
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if !almostEqual(sum, 1, 1e-6) {
		t.Fatalf("softmax sum = %v", sum)
	}

	p := SoftmaxF64([]float32{0, 0})
	if p[0] != 0.5 || p[1] != 0.5 {
		t.Fatalf("SoftmaxF64 equal logits = %v", p)
	}
	p = SoftmaxF64([]float32{-2.5, 1.25})
	if !almostEqual(p[0]+p[1], 1, 1e-12) || p[1] <= p[0] {
		t.Fatalf("SoftmaxF64 = %v", p)
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{0.1, 0.7, 0.2}); got != 1 {
		t.Fatalf("Argmax = %d", got)
	}
	if got := Argmax([]float64{0.5, 0.5}); got != 0 {
		t.Fatalf("Argmax tie = %d, want first index", got)
	}
	if got := Argmax([]float32(nil)); got != -1 {
		t.Fatalf("Argmax empty = %d", got)
	}
}

func TestLayerNorm(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 0}, 1e-5)

	var mean, variance float64
	for _, v := range dst {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range dst {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4
	if !almostEqual(mean, 0, 1e-6) || !almostEqual(variance, 1, 1e-3) {
		t.Fatalf("mean=%v var=%v", mean, variance)
	}
}

func TestGELU(t *testing.T) {
	t.Parallel()
	if GELU(0) != 0 {
		t.Fatalf("GELU(0) = %v", GELU(0))
	}
	if !almostEqual(float64(GELU(1)), 0.8413447, 1e-6) {
		t.Fatalf("GELU(1) = %v", GELU(1))
	}
	if GELU(-10) > 0 || GELU(-10) < -1e-6 {
		t.Fatalf("GELU(-10) = %v", GELU(-10))
	}
}
