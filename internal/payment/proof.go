package payment

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"

	"github.com/soitun/effectai-engine/internal/model"
)

// ProofVerifier checks a Groth16 proof against the Manager's verification
// key. It is isolated behind this file (and, at the package boundary,
// behind the Ledger's internal call) because the EdDSA/Groth16 math itself
// is an out-of-scope external collaborator per spec.md §1 — the Manager
// only calls into it.
type ProofVerifier struct {
	vk groth16.VerifyingKey
}

// NewProofVerifier loads a Groth16 verifying key from its canonical
// serialized form (as produced by the circuit's trusted setup).
func NewProofVerifier(vkBytes []byte) (*ProofVerifier, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return nil, fmt.Errorf("payment: load verifying key: %w", err)
	}
	return &ProofVerifier{vk: vk}, nil
}

// publicSignals builds the ordered witness assignment for {recipient,
// minNonce, maxNonce, amount}, the public signals the settlement circuit
// exposes.
func publicSignals(recipientBytes [32]byte, minNonce, maxNonce, amount uint64) []fr256 {
	var recipientLimb fr256
	copy(recipientLimb[:], recipientBytes[:])

	return []fr256{
		recipientLimb,
		uint64ToFr(minNonce),
		uint64ToFr(maxNonce),
		uint64ToFr(amount),
	}
}

// fr256 is a little-endian 32-byte field-element representation, sized for
// the BN254 scalar field the settlement circuit is defined over.
type fr256 [32]byte

func uint64ToFr(v uint64) fr256 {
	var out fr256
	binary.LittleEndian.PutUint64(out[:8], v)
	return out
}

// Verify checks proofBytes against the public signals derived from the
// claimed batch, returning ErrBadProof (wrapped by the caller) on failure.
func (v *ProofVerifier) Verify(proofBytes []byte, recipientBytes [32]byte, minNonce, maxNonce, amount uint64) error {
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("payment: decode proof: %w", err)
	}

	signals := publicSignals(recipientBytes, minNonce, maxNonce, amount)
	assignment := make([]byte, 0, len(signals)*32)
	for _, s := range signals {
		assignment = append(assignment, s[:]...)
	}

	publicWitness, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return fmt.Errorf("payment: build witness: %w", err)
	}
	if err := publicWitness.UnmarshalBinary(assignment); err != nil {
		return fmt.Errorf("payment: assign public witness: %w", err)
	}

	if err := groth16.Verify(proof, v.vk, publicWitness); err != nil {
		return model.Wrap(model.KindProofInvalid, "groth16 verification failed", err)
	}
	return nil
}
