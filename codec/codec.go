// Package codec converts named parameter tensors to and from CKKS
// ciphertexts: flatten, sanitize, clip, pack into slot-sized chunks,
// encrypt, and back again.
package codec

import (
	"fmt"

	"fedagg/core/ckkswrapper"
	"fedagg/tensor"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// DefaultClipBound is the symmetric bound applied to every value before
// encryption. It caps how far a single client can move an encrypted layer in
// one round and keeps the encoded magnitudes inside the scheme's comfortable
// range.
const DefaultClipBound = 10.0

// EncryptedLayer is one client's encrypted contribution for one layer:
// the flattened, clipped delta packed into one ciphertext per slot chunk,
// plus the shape metadata needed to rebuild the tensor after decryption.
// Ephemeral: lives only for the duration of one round's aggregation and is
// never persisted or logged.
type EncryptedLayer struct {
	Shape  []int
	Chunks []*rlwe.Ciphertext
}

// NumElements returns the element count implied by the shape metadata.
func (e *EncryptedLayer) NumElements() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// Codec performs shape-preserving tensor <-> ciphertext conversion against a
// fixed HE context. Stateless beyond the context reference; safe to share
// across layers within a round.
type Codec struct {
	he    *ckkswrapper.HeContext
	bound float64
}

// New creates a codec with the default clip bound.
func New(he *ckkswrapper.HeContext) *Codec {
	return NewWithBound(he, DefaultClipBound)
}

// NewWithBound creates a codec with an explicit clip bound.
func NewWithBound(he *ckkswrapper.HeContext, bound float64) *Codec {
	if bound <= 0 {
		panic(fmt.Sprintf("codec: clip bound must be positive, got %f", bound))
	}
	return &Codec{he: he, bound: bound}
}

// Bound returns the symmetric clip bound.
func (c *Codec) Bound() float64 {
	return c.bound
}

// EncodeAndEncrypt flattens t, zeroes non-finite entries, clamps every value
// to the clip bound, and encrypts the result as one ciphertext per slot
// chunk. The input tensor is not modified.
func (c *Codec) EncodeAndEncrypt(t *tensor.Tensor) (*EncryptedLayer, error) {
	flat := t.Clone()
	flat.Sanitize()
	flat.Clamp(c.bound)

	slots := c.he.MaxSlots()
	numChunks := (len(flat.Data) + slots - 1) / slots
	if numChunks == 0 {
		return nil, fmt.Errorf("cannot encrypt empty tensor (shape %v)", t.Shape)
	}

	chunks := make([]*rlwe.Ciphertext, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * slots
		end := start + slots
		if end > len(flat.Data) {
			end = len(flat.Data)
		}

		pt := ckks.NewPlaintext(c.he.Params, c.he.Params.MaxLevel())
		if err := c.he.Encoder.Encode(flat.Data[start:end], pt); err != nil {
			return nil, fmt.Errorf("encode chunk %d: %w", i, err)
		}
		ct, err := c.he.Encryptor.EncryptNew(pt)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}
		chunks[i] = ct
	}

	return &EncryptedLayer{
		Shape:  append([]int(nil), t.Shape...),
		Chunks: chunks,
	}, nil
}

// DecryptAndReshape decrypts the layer back to a tensor of its recorded
// shape. Approximate arithmetic can leave small floating artifacts, so the
// decoded values are scrubbed of non-finite entries and truncated (or zero
// padded) to the expected element count.
func (c *Codec) DecryptAndReshape(el *EncryptedLayer) (*tensor.Tensor, error) {
	slots := c.he.MaxSlots()
	flat := make([]float64, 0, len(el.Chunks)*slots)
	decoded := make([]float64, slots)

	for i, ct := range el.Chunks {
		pt := c.he.Decryptor.DecryptNew(ct)
		if err := c.he.Encoder.Decode(pt, decoded); err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		flat = append(flat, decoded...)
	}

	out := tensor.FromFlat(flat, el.Shape...)
	out.Sanitize()
	return out, nil
}

// AddInPlace homomorphically accumulates src into dst, chunk by chunk.
// Both layers must have been produced by the same codec for the same
// tensor shape.
func (c *Codec) AddInPlace(dst, src *EncryptedLayer) error {
	if len(dst.Shape) != len(src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	for i := range dst.Shape {
		if dst.Shape[i] != src.Shape[i] {
			return fmt.Errorf("shape mismatch: %v vs %v", dst.Shape, src.Shape)
		}
	}
	if len(dst.Chunks) != len(src.Chunks) {
		return fmt.Errorf("chunk count mismatch: %d vs %d", len(dst.Chunks), len(src.Chunks))
	}
	// Sum into fresh ciphertexts and commit only once every chunk succeeded,
	// so a failure cannot leave dst holding a partial contribution.
	sums := make([]*rlwe.Ciphertext, len(dst.Chunks))
	for i := range dst.Chunks {
		ct, err := c.he.Evaluator.AddNew(dst.Chunks[i], src.Chunks[i])
		if err != nil {
			return fmt.Errorf("homomorphic add, chunk %d: %w", i, err)
		}
		sums[i] = ct
	}
	copy(dst.Chunks, sums)
	return nil
}
