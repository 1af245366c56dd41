package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// WorkerState is the connection/assignment state of a registered worker.
type WorkerState string

const (
	WorkerUnknown      WorkerState = "Unknown"
	WorkerRegistered   WorkerState = "Registered"
	WorkerConnected    WorkerState = "Connected"
	WorkerBusy         WorkerState = "Busy"
	WorkerDisconnected WorkerState = "Disconnected"
)

// Recipient is the 32-byte payout address a worker has declared. It is
// distinct from the worker's peer identity: payments are owed to the
// recipient, not the peer.
type Recipient [32]byte

// String renders a Recipient as lowercase hex, matching the key format
// PaymentStore uses for its per-recipient hashes.
func (r Recipient) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalJSON encodes a Recipient as a hex string rather than a JSON array
// of bytes, so wire payloads and store records stay human-inspectable.
func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a hex-string Recipient.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRecipient(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRecipient decodes a hex-encoded 32-byte recipient address.
func ParseRecipient(s string) (Recipient, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Recipient{}, fmt.Errorf("model: decode recipient: %w", err)
	}
	if len(b) != 32 {
		return Recipient{}, fmt.Errorf("model: recipient must be 32 bytes, got %d", len(b))
	}
	var r Recipient
	copy(r[:], b)
	return r, nil
}

// Worker is the durable record of a peer that has onboarded with the
// Manager. PeerID and Recipient are set once at onboarding; State and
// CurrentTaskID change over the worker's lifetime.
type Worker struct {
	PeerID        peer.ID     `json:"peerId"`
	Recipient     Recipient   `json:"recipient"`
	AccessCode    string      `json:"accessCode,omitempty"`
	State         WorkerState `json:"state"`
	CurrentTaskID string      `json:"currentTaskId,omitempty"`
	ConnectedAt   time.Time   `json:"connectedAt"`
	LastNonce     uint64      `json:"lastNonce"`
}

// IsBusy reports whether the worker currently holds an offered/accepted task.
func (w *Worker) IsBusy() bool {
	return w.State == WorkerBusy && w.CurrentTaskID != ""
}
