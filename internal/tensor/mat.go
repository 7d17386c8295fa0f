package tensor

import (
	"fmt"
	"math/rand"
)

// Mat is a dense row-major matrix. For weights of a linear layer R is the
// output dimension and C the input dimension, matching the on-disk layout.
type Mat struct {
	R, C int
	Data []float32
}

func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// MatFromData wraps data without copying.
func MatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, fmt.Errorf("negative dimension %dx%d", r, c)
	}
	if len(data) != r*c {
		return Mat{}, fmt.Errorf("data length %d does not match %dx%d", len(data), r, c)
	}
	return Mat{R: r, C: c, Data: data}, nil
}

// Row returns a view of row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

// FillRand fills m with reproducible values in (-scale/2, scale/2).
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
