package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm writes (src-mean)/sqrt(var+eps)*weight+bias into dst.
// dst and src may alias.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	if n == 0 {
		return
	}
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxF64 returns the softmax of logits computed in float64.
func SoftmaxF64(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest element, the first one on ties.
// It returns -1 for an empty slice.
func Argmax[T float32 | float64](x []T) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// GELU is the exact (erf based) Gaussian error linear unit.
func GELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// GELUInPlace applies GELU to every element of x.
func GELUInPlace(x []float32) {
	for i, v := range x {
		x[i] = GELU(v)
	}
}

// TanhInPlace applies tanh to every element of x.
func TanhInPlace(x []float32) {
	for i, v := range x {
		x[i] = float32(math.Tanh(float64(v)))
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}
