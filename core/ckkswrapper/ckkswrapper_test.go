package ckkswrapper

import (
	"testing"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

func testContext() *HeContext {
	// Small ring keeps key generation fast in tests.
	return NewHeContextWithLogN(13)
}

func TestHeContextRoundTrip(t *testing.T) {
	h := testContext()
	vals := []float64{3.1415926535}
	slots := h.Params.MaxSlots()
	pt := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
	err := h.Encoder.Encode(vals, pt)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	ct, err := h.Encryptor.EncryptNew(pt)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	gotPt := h.Decryptor.DecryptNew(ct)
	decoded := make([]float64, slots)
	err = h.Encoder.Decode(gotPt, decoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if diff := decoded[0] - vals[0]; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("roundtrip mismatch: got %f, want %f", decoded[0], vals[0])
	}
}

func TestHomomorphicAdd(t *testing.T) {
	h := testContext()

	pt1 := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
	if err := h.Encoder.Encode([]float64{1.5, -2.0}, pt1); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	ct1, err := h.Encryptor.EncryptNew(pt1)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	pt2 := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
	if err := h.Encoder.Encode([]float64{2.5, 0.5}, pt2); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	ct2, err := h.Encryptor.EncryptNew(pt2)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	sum, err := h.Evaluator.AddNew(ct1, ct2)
	if err != nil {
		t.Fatalf("evaluator AddNew error: %v", err)
	}

	decoded := make([]float64, h.Params.MaxSlots())
	if err := h.Encoder.Decode(h.Decryptor.DecryptNew(sum), decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []float64{4.0, -1.5}
	for i := range want {
		if diff := decoded[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("slot %d: got %f, want %f", i, decoded[i], want[i])
		}
	}
}

func TestInvalidParametersRejected(t *testing.T) {
	_, err := NewHeContextFromLiteral(ckks.ParametersLiteral{
		LogN:            2, // far below the scheme minimum
		LogQ:            []int{60},
		LogP:            []int{60},
		LogDefaultScale: 40,
	})
	if err == nil {
		t.Fatal("expected error for invalid ring degree")
	}
}
