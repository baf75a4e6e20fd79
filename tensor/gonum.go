package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense copies a 2-D tensor into a gonum matrix.
func (t *Tensor) ToDense() (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ToDense needs a 2-D tensor, got shape %v", t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], append([]float64(nil), t.Data...)), nil
}

// FromDense copies a gonum matrix into a 2-D tensor.
func FromDense(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Data[r*cols+c] = m.At(r, c)
		}
	}
	return out
}
