// Package model holds the core data types shared by every Manager subsystem:
// Worker, Task, Template, and PaymentRecord, plus the error-kind taxonomy
// used to classify failures across the p2p protocol and the admin HTTP surface.
package model

import "errors"

// Kind classifies a Manager-level failure so callers on either transport
// (p2p typed error frames, HTTP {status,error} bodies) can react consistently.
type Kind string

const (
	KindInvalidArgument Kind = "InvalidArgument"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindForbidden       Kind = "Forbidden"
	KindDeadlinePassed  Kind = "DeadlinePassed"
	KindReplay          Kind = "Replay"
	KindProofInvalid    Kind = "ProofInvalid"
	KindStoreError      Kind = "StoreError"
	KindTransportError  Kind = "TransportError"
)

// Error is the typed error carried across subsystem boundaries. It wraps an
// optional underlying cause so %w-chains keep working with errors.Is/As
// while the Kind stays available to HTTP/router translation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an underlying error with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *model.Error, defaulting to KindStoreError for opaque failures so callers
// never have to special-case "unknown" errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindStoreError
}

// Sentinel errors for conditions that don't need a dynamic message.
var (
	ErrAlreadyOnboarded    = New(KindConflict, "worker already onboarded")
	ErrBadAccessCode       = New(KindForbidden, "bad access code")
	ErrReplayedNonce       = New(KindReplay, "onboarding nonce has already been used")
	ErrAccessCodesRequired = New(KindInvalidArgument, "access code required")

	ErrUnknownTemplate = New(KindInvalidArgument, "unknown template")
	ErrInvalidReward   = New(KindInvalidArgument, "invalid reward")
	ErrDuplicateTask   = New(KindConflict, "duplicate task id")

	ErrNotOffered     = New(KindConflict, "task is not in the Offered state")
	ErrNotAccepted    = New(KindConflict, "task is not in the Accepted state")
	ErrWrongWorker    = New(KindForbidden, "task is assigned to a different worker")
	ErrDeadlinePassed = New(KindDeadlinePassed, "acceptance deadline has passed")

	ErrForbiddenRecipient = New(KindForbidden, "caller is not the record's recipient")
	ErrUnknownNonce       = New(KindInvalidArgument, "unknown payment nonce")
	ErrInconsistentSum    = New(KindInvalidArgument, "claimed sum does not match ledger records")
	ErrBatchTooLarge      = New(KindInvalidArgument, "batch exceeds configured payment batch size")
	ErrBadProof           = New(KindProofInvalid, "groth16 proof failed verification")
	ErrRangeOverlap       = New(KindInvalidArgument, "nonce ranges overlap or are non-contiguous")

	ErrNotFound = New(KindNotFound, "not found")

	ErrManagerStopping = New(KindConflict, "manager is stopping, no new tasks accepted")
)
