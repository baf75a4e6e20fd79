//go:build debug
// +build debug

package ckkswrapper

import (
	"math"
	"testing"

	"fedagg/tensor"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// DebugCompare decrypts a ciphertext and compares it slot-by-slot with a
// shadow plaintext tensor, reporting any divergence beyond the tolerance.
// Useful while tuning aggregation parameters; compiled only with -tags debug.
func (h *HeContext) DebugCompare(ct *rlwe.Ciphertext, shadow *tensor.Tensor, label string, tolerance float64, t *testing.T) {
	if t == nil {
		return
	}

	pt := h.Decryptor.DecryptNew(ct)
	decoded := make([]float64, h.Params.MaxSlots())
	h.Encoder.Decode(pt, decoded)

	maxDiff := 0.0
	maxDiffIdx := -1
	for i := 0; i < len(shadow.Data) && i < len(decoded); i++ {
		diff := math.Abs(decoded[i] - shadow.Data[i])
		if diff > maxDiff {
			maxDiff = diff
			maxDiffIdx = i
		}
		if diff > tolerance {
			t.Errorf("%s: divergence at index %d: HE=%f, shadow=%f, diff=%f",
				label, i, decoded[i], shadow.Data[i], diff)
		}
	}

	if maxDiff <= tolerance {
		t.Logf("%s: max difference %f at index %d", label, maxDiff, maxDiffIdx)
	} else {
		t.Logf("%s: max difference %f at index %d (exceeds tolerance %f)",
			label, maxDiff, maxDiffIdx, tolerance)
	}
}
