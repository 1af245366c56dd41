package model

import "time"

// PaymentRecord is an accrued, not-yet-necessarily-settled payment owed to
// a recipient. Nonce is strictly increasing per recipient with no gaps.
type PaymentRecord struct {
	Recipient Recipient `json:"recipient"`
	Nonce     uint64    `json:"nonce"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
	Settled   bool      `json:"settled"`
}

// PaymentBatch is a derived, contiguous nonce range of a recipient's
// records, never stored on its own.
type PaymentBatch struct {
	Recipient Recipient `json:"recipient"`
	MinNonce  uint64    `json:"minNonce"`
	MaxNonce  uint64    `json:"maxNonce"`
	Amount    uint64    `json:"amount"`
}

// SignedAuthorization is a Manager-signed attestation that a batch's
// declared amount matches its own accrued records.
type SignedAuthorization struct {
	Recipient Recipient `json:"recipient"`
	MinNonce  uint64    `json:"minNonce"`
	MaxNonce  uint64    `json:"maxNonce"`
	Amount    uint64    `json:"amount"`
	Signature []byte    `json:"signature"`
}

// BulkAuthorization aggregates multiple settled batches into one
// signed authorization, returned from bulkPaymentProofs.
type BulkAuthorization struct {
	Recipient  Recipient      `json:"recipient"`
	Batches    []PaymentBatch `json:"batches"`
	TotalAmount uint64        `json:"totalAmount"`
	Signature  []byte         `json:"signature"`
}

// ProofSubmission is one Groth16 proof a worker submits as part of a bulk
// proof request, carrying the public signals the circuit attests to.
type ProofSubmission struct {
	Recipient Recipient `json:"recipient"`
	MinNonce  uint64    `json:"minNonce"`
	MaxNonce  uint64    `json:"maxNonce"`
	Amount    uint64    `json:"amount"`
	Proof     []byte    `json:"proof"`
}
