package tensor

import (
	"math"
	"testing"
)

func TestNewShape(t *testing.T) {
	t1 := New(2, 3)
	if len(t1.Data) != 6 {
		t.Fatalf("expected 6 elements, got %d", len(t1.Data))
	}
	if len(t1.Shape) != 2 || t1.Shape[0] != 2 || t1.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", t1.Shape)
	}
}

func TestAdd(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3}, Shape: []int{3}}
	b := &Tensor{Data: []float64{4, 5, 6}, Shape: []int{3}}
	c, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 7, 9}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
}

func TestSub(t *testing.T) {
	a := &Tensor{Data: []float64{5, 7, 9}, Shape: []int{3}}
	b := &Tensor{Data: []float64{4, 5, 6}, Shape: []int{3}}
	c, err := Sub(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 2, 3}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
	if _, err := Sub(a, New(2, 2)); err == nil {
		t.Errorf("expected shape mismatch error")
	}
}

func TestClamp(t *testing.T) {
	a := NewWithData([]float64{-50, -10, -3, 0, 3, 10, 50})
	a.Clamp(10)
	want := []float64{-10, -10, -3, 0, 3, 10, 10}
	for i := range want {
		if a.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, a.Data[i], want[i])
		}
	}
}

func TestSanitize(t *testing.T) {
	a := NewWithData([]float64{1, math.NaN(), math.Inf(1), math.Inf(-1), 2})
	n := a.Sanitize()
	if n != 3 {
		t.Fatalf("expected 3 replaced, got %d", n)
	}
	want := []float64{1, 0, 0, 0, 2}
	for i := range want {
		if a.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, a.Data[i], want[i])
		}
	}
	if !a.IsFinite() {
		t.Errorf("tensor should be finite after Sanitize")
	}
}

func TestAddScaled(t *testing.T) {
	a := New(3)
	b := NewWithData([]float64{1, 2, 3})
	if err := a.AddScaled(0.5, b); err != nil {
		t.Fatal(err)
	}
	want := []float64{0.5, 1, 1.5}
	for i := range want {
		if a.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, a.Data[i], want[i])
		}
	}
}

func TestFromFlatTruncatesAndPads(t *testing.T) {
	// Longer input is truncated
	a := FromFlat([]float64{1, 2, 3, 4, 5}, 2, 2)
	if len(a.Data) != 4 || a.Data[3] != 4 {
		t.Fatalf("unexpected truncation: %v", a.Data)
	}
	// Shorter input is zero padded
	b := FromFlat([]float64{1}, 3)
	if b.Data[1] != 0 || b.Data[2] != 0 {
		t.Fatalf("unexpected padding: %v", b.Data)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := NewWithData([]float64{1, 2})
	b := a.Clone()
	b.Data[0] = 99
	if a.Data[0] != 1 {
		t.Errorf("Clone shares backing data")
	}
}

func TestMaxAbsDiff(t *testing.T) {
	a := NewWithData([]float64{1, 2, 3})
	b := NewWithData([]float64{1, 2.5, 2})
	d, err := MaxAbsDiff(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if d != 1 {
		t.Errorf("got %f, want 1", d)
	}
}
