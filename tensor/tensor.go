package tensor

import (
	"fmt"
	"math"
)

// Tensor is a simple n-D array backed by a flat []float64.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a Tensor of given shape (product of dims = len(Data)).
func New(shape ...int) *Tensor {
	// Compute total size
	total := 1
	for _, d := range shape {
		total *= d
	}
	return &Tensor{
		Data:  make([]float64, total),
		Shape: append([]int(nil), shape...),
	}
}

// NewWithData creates a 1-D tensor from existing data slice.
func NewWithData(data []float64) *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: []int{len(data)},
	}
}

// FromFlat builds a tensor of the given shape from a flat slice.
// The slice is truncated or zero-padded to the shape's element count.
func FromFlat(data []float64, shape ...int) *Tensor {
	out := New(shape...)
	copy(out.Data, data)
	return out
}

// NumElements returns the total number of elements implied by the shape.
func (t *Tensor) NumElements() int {
	total := 1
	for _, d := range t.Shape {
		total *= d
	}
	return total
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Add returns a+b (same shape), or error if shapes differ.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Sub returns a-b (same shape), or error if shapes differ.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// AddInPlace accumulates o into t element-wise.
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, o.Shape)
	}
	for i := range t.Data {
		t.Data[i] += o.Data[i]
	}
	return nil
}

// AddScaled accumulates s*o into t element-wise. Used for weighted averaging.
func (t *Tensor) AddScaled(s float64, o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, o.Shape)
	}
	for i := range t.Data {
		t.Data[i] += s * o.Data[i]
	}
	return nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float64) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Clamp limits every element to [-bound, bound] in place.
func (t *Tensor) Clamp(bound float64) {
	for i, v := range t.Data {
		if v > bound {
			t.Data[i] = bound
		} else if v < -bound {
			t.Data[i] = -bound
		}
	}
}

// Sanitize replaces every NaN or Inf element with zero in place and
// returns the number of elements replaced.
func (t *Tensor) Sanitize() int {
	n := 0
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Data[i] = 0
			n++
		}
	}
	return n
}

// IsFinite reports whether every element is a finite number.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest absolute element-wise difference, or an
// error if shapes differ. Used for tolerance comparisons against plaintext
// shadow computations.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	maxDiff := 0.0
	for i := range a.Data {
		d := math.Abs(a.Data[i] - b.Data[i])
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.flatIndex("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.flatIndex("Set", indices)] = value
}

func (t *Tensor) flatIndex(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
