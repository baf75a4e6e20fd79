// Package ckkswrapper owns the CKKS cryptographic context for a training
// session: scheme parameters, key material, and the encoder/encryptor/
// decryptor/evaluator derived from them.
//
// The context is created once at session start and shared read-only by all
// encrypt/aggregate/decrypt calls for the session's lifetime. Parameters and
// scale must not change mid-session: doing so would invalidate every
// ciphertext produced under the old context. The secret key never leaves
// this package.
package ckkswrapper

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Default CKKS parameters. LogN=14 gives a polynomial ring of degree 16384
// with 8192 plaintext slots. The chain carries one 60-bit prime for
// precision, four 40-bit rescaling primes as headroom, and a 60-bit
// key-switching prime. Ciphertext aggregation only ever performs additions,
// so a single level would suffice; the extra depth is configured headroom.
const (
	DefaultLogN      = 14
	DefaultScaleBits = 40
)

// DefaultLogQ is the ciphertext modulus chain in bits.
var DefaultLogQ = []int{60, 40, 40, 40, 40}

// DefaultLogP is the key-switching prime size in bits.
var DefaultLogP = []int{60}

// HeContext bundles CKKS parameters with the key-derived engines.
type HeContext struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor
	Evaluator *ckks.Evaluator

	sk *rlwe.SecretKey
	pk *rlwe.PublicKey
}

// NewHeContext creates a context with the default parameters.
// Panics if parameter generation fails: a session cannot proceed without a
// valid context and this is never retried.
func NewHeContext() *HeContext {
	return NewHeContextWithLogN(DefaultLogN)
}

// NewHeContextWithLogN creates a context with the default modulus chain at
// the given ring degree log2 (13-16).
func NewHeContextWithLogN(logN int) *HeContext {
	h, err := NewHeContextFromLiteral(DefaultLiteral(logN))
	if err != nil {
		panic(fmt.Sprintf("ckkswrapper: context generation failed: %v", err))
	}
	return h
}

// DefaultLiteral returns the default modulus chain at the given ring degree
// log2.
func DefaultLiteral(logN int) ckks.ParametersLiteral {
	return ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            DefaultLogQ,
		LogP:            DefaultLogP,
		LogDefaultScale: DefaultScaleBits,
	}
}

// NewHeContextFromLiteral builds a context from explicit scheme parameters.
func NewHeContextFromLiteral(lit ckks.ParametersLiteral) (*HeContext, error) {
	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, fmt.Errorf("invalid CKKS parameters: %w", err)
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)

	return &HeContext{
		Params:    params,
		Encoder:   ckks.NewEncoder(params),
		Encryptor: rlwe.NewEncryptor(params, pk),
		Decryptor: rlwe.NewDecryptor(params, sk),
		// Addition needs no evaluation keys.
		Evaluator: ckks.NewEvaluator(params, nil),
		sk:        sk,
		pk:        pk,
	}, nil
}

// MaxSlots returns the number of plaintext slots per ciphertext.
func (h *HeContext) MaxSlots() int {
	return h.Params.MaxSlots()
}

// EvalKit carries an evaluator armed with rotation keys.
type EvalKit struct {
	Evaluator *ckks.Evaluator
}

// GenEvalKit generates Galois keys for the given rotation steps and returns
// an evaluator that can use them. The default Evaluator suffices for the
// addition-only aggregation path; rotation keys are only needed if packed
// in-ciphertext reductions are introduced later.
func (h *HeContext) GenEvalKit(rotations []int) *EvalKit {
	galEls := make([]uint64, len(rotations))
	for i, rot := range rotations {
		galEls[i] = h.Params.GaloisElementForRotation(rot)
	}
	galKeys := rlwe.NewKeyGenerator(h.Params).GenGaloisKeysNew(galEls, h.sk)
	evk := rlwe.NewMemEvaluationKeySet(nil, galKeys...)
	return &EvalKit{Evaluator: ckks.NewEvaluator(h.Params, evk)}
}
