// Package payment implements the PaymentLedger subsystem: per-worker
// payment accrual, batch formation, Groth16 proof verification, and
// EdDSA-signed payout authorization, per spec.md §4.3. It is a single
// actor guarded by one mutex for nonce allocation and ledger mutation;
// proof verification is CPU-bound and runs on a bounded worker pool so it
// never blocks the mutex, per spec.md §5's suspension-point rule.
package payment

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/store"
)

// maxConcurrentVerifications bounds the proof-verification worker pool.
const maxConcurrentVerifications = 8

// accrualInboxSize bounds TaskEngine's non-blocking handoff of completed
// tasks into the ledger, per spec.md §5: "a completed task enqueues an
// accrue request onto PaymentLedger's inbox."
const accrualInboxSize = 256

type accrualRequest struct {
	recipient model.Recipient
	amount    uint64
}

// Config configures ledger-wide policy.
type Config struct {
	PaymentBatchSize int
	// MaxProofFailures disconnects a worker after this many consecutive
	// proof-verification failures, per spec.md §7.
	MaxProofFailures int
}

// Ledger owns PaymentRecord creation exclusively. It reads TaskEngine
// completions through a one-way event subscription rather than holding a
// reference to TaskEngine's internal state.
type Ledger struct {
	mu sync.Mutex

	cfg      Config
	signer   *eddsa.PrivateKey
	verifier *ProofVerifier

	store  *store.PaymentStore
	bus    *eventbus.Bus
	logger *zap.Logger

	// nextNonce tracks the next nonce to allocate per recipient, restored
	// from the store on startup so restarts never reuse a nonce.
	nextNonce map[model.Recipient]uint64

	proofFailures map[model.Recipient]int

	sem    chan struct{}
	inbox  chan accrualRequest
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a Ledger and starts its accrual-inbox goroutine. Call
// LoadFromStore before accepting accruals so nonce allocation continues
// where the previous run left off.
func New(ctx context.Context, cfg Config, signer *eddsa.PrivateKey, verifier *ProofVerifier, paymentStore *store.PaymentStore, bus *eventbus.Bus, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PaymentBatchSize <= 0 {
		cfg.PaymentBatchSize = 100
	}
	if cfg.MaxProofFailures <= 0 {
		cfg.MaxProofFailures = 5
	}
	runCtx, cancel := context.WithCancel(ctx)
	l := &Ledger{
		cfg:           cfg,
		signer:        signer,
		verifier:      verifier,
		store:         paymentStore,
		bus:           bus,
		logger:        logger,
		nextNonce:     make(map[model.Recipient]uint64),
		proofFailures: make(map[model.Recipient]int),
		sem:           make(chan struct{}, maxConcurrentVerifications),
		inbox:         make(chan accrualRequest, accrualInboxSize),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	go l.runInbox(runCtx)
	return l
}

// runInbox drains accrual requests handed off by TaskEngine. It is the
// only writer that calls Accrue from outside direct test/admin calls,
// keeping the hop from TaskEngine to PaymentLedger a channel send rather
// than a cross-subsystem method call, per spec.md §5.
func (l *Ledger) runInbox(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case req := <-l.inbox:
			if _, err := l.Accrue(ctx, req.recipient, req.amount); err != nil {
				l.logger.Error("payment ledger: accrual from inbox failed",
					zap.String("recipient", recipientHex(req.recipient)), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// EnqueueAccrual is TaskEngine's non-blocking handoff into the ledger on
// task completion (the outbox pattern of spec.md §5 — the Task's
// Completed transition must already be durable by the time this is
// called). If the inbox is full the request is dropped and logged; the
// Manager's restart-time replay (TaskEngine re-scanning Completed tasks
// with no matching PaymentRecord) recovers from this.
func (l *Ledger) EnqueueAccrual(recipient model.Recipient, amount uint64) {
	select {
	case l.inbox <- accrualRequest{recipient: recipient, amount: amount}:
	default:
		l.logger.Error("payment ledger: accrual inbox full, dropping request",
			zap.String("recipient", recipientHex(recipient)), zap.Uint64("amount", amount))
	}
}

// LoadFromStore restores per-recipient nonce counters from durable
// records so a restart never reuses a nonce.
func (l *Ledger) LoadFromStore(ctx context.Context, recipients []model.Recipient) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recipients {
		highest, ok, err := l.store.HighestNonce(ctx, r)
		if err != nil {
			return model.Wrap(model.KindStoreError, "payment ledger: load nonce counters", err)
		}
		if ok {
			l.nextNonce[r] = highest + 1
		}
	}
	return nil
}

// Close stops the accrual-inbox goroutine and waits for it to drain.
func (l *Ledger) Close() {
	l.cancel()
	<-l.done
}

// PublicKey returns the Manager's compressed EdDSA public key, published in
// identifyRequest responses.
func (l *Ledger) PublicKey() []byte {
	return l.signer.PublicKey.Bytes()
}

// Accrue allocates the next nonce for recipient, persists a PaymentRecord,
// and emits payment:created. Called by TaskEngine on task completion via
// the outbox pattern (spec.md §5): the task's Completed transition is
// already durable by the time this runs.
func (l *Ledger) Accrue(ctx context.Context, recipient model.Recipient, amount uint64) (*model.PaymentRecord, error) {
	l.mu.Lock()
	nonce := l.nextNonce[recipient]
	l.nextNonce[recipient] = nonce + 1
	l.mu.Unlock()

	rec := &model.PaymentRecord{
		Recipient: recipient,
		Nonce:     nonce,
		Amount:    amount,
		CreatedAt: time.Now(),
	}

	if err := l.store.Put(ctx, rec); err != nil {
		l.mu.Lock()
		l.nextNonce[recipient] = nonce // roll back on store failure
		l.mu.Unlock()
		return nil, model.Wrap(model.KindStoreError, "payment ledger: persist accrual", err)
	}

	l.logger.Info("payment accrued",
		zap.String("recipient", recipientHex(recipient)),
		zap.Uint64("nonce", nonce),
		zap.Uint64("amount", amount),
	)
	l.bus.Publish(eventbus.Event{Tag: eventbus.PaymentCreated, Payload: rec})
	return rec, nil
}

// ProcessProofRequest authorizes a payout over a contiguous set of payment
// records without requiring a zero-knowledge proof — used by workers that
// trust the Manager's bookkeeping directly. callerRecipient must equal
// payments[0].recipient (spec.md's conservative resolution of the
// "FIX:: temp check" open question).
func (l *Ledger) ProcessProofRequest(ctx context.Context, callerRecipient model.Recipient, payments []model.PaymentRecord) (*model.SignedAuthorization, error) {
	if len(payments) == 0 {
		return nil, model.New(model.KindInvalidArgument, "payment ledger: empty payment set")
	}
	if payments[0].Recipient != callerRecipient {
		return nil, model.ErrForbiddenRecipient
	}

	recipient := payments[0].Recipient
	minNonce, maxNonce := payments[0].Nonce, payments[0].Nonce
	for _, p := range payments {
		if p.Recipient != recipient {
			return nil, model.ErrForbiddenRecipient
		}
		if p.Nonce < minNonce {
			minNonce = p.Nonce
		}
		if p.Nonce > maxNonce {
			maxNonce = p.Nonce
		}
	}

	if int(maxNonce-minNonce+1) > l.cfg.PaymentBatchSize {
		return nil, model.ErrBatchTooLarge
	}

	sum, err := l.sumRecordedRange(ctx, recipient, minNonce, maxNonce)
	if err != nil {
		return nil, err
	}

	sig, err := signBatch(l.signer, recipient, minNonce, maxNonce, sum)
	if err != nil {
		return nil, model.Wrap(model.KindStoreError, "payment ledger: sign authorization", err)
	}

	return &model.SignedAuthorization{
		Recipient: recipient,
		MinNonce:  minNonce,
		MaxNonce:  maxNonce,
		Amount:    sum,
		Signature: sig,
	}, nil
}

// sumRecordedRange re-derives the total amount for [minNonce, maxNonce]
// from the ledger's own records, never trusting a caller-supplied amount.
func (l *Ledger) sumRecordedRange(ctx context.Context, recipient model.Recipient, minNonce, maxNonce uint64) (uint64, error) {
	records, err := l.store.ListByRecipient(ctx, recipient)
	if err != nil {
		return 0, model.Wrap(model.KindStoreError, "payment ledger: load records", err)
	}
	byNonce := make(map[uint64]*model.PaymentRecord, len(records))
	for _, r := range records {
		byNonce[r.Nonce] = r
	}

	var sum uint64
	for n := minNonce; n <= maxNonce; n++ {
		rec, ok := byNonce[n]
		if !ok {
			return 0, model.ErrUnknownNonce
		}
		sum += rec.Amount
	}
	return sum, nil
}

// BulkPaymentProofs verifies each submitted Groth16 proof against the
// ledger's own accrued sums and, on success, marks the covered records
// settled and returns an aggregated authorization. Proof verification runs
// on a bounded worker pool (golang.org/x/sync/errgroup) concurrently with
// other ledger activity.
func (l *Ledger) BulkPaymentProofs(ctx context.Context, recipient model.Recipient, proofs []model.ProofSubmission) (*model.BulkAuthorization, error) {
	if len(proofs) == 0 {
		return nil, model.New(model.KindInvalidArgument, "payment ledger: empty proof set")
	}

	lastSettled, _, err := l.lastSettledNonce(ctx, recipient)
	if err != nil {
		return nil, err
	}

	sorted := append([]model.ProofSubmission(nil), proofs...)
	sortProofs(sorted)

	expected := lastSettled
	for _, p := range sorted {
		if p.Recipient != recipient {
			return nil, model.ErrForbiddenRecipient
		}
		if p.MinNonce != expected {
			return nil, model.ErrRangeOverlap
		}
		if p.MaxNonce < p.MinNonce {
			return nil, model.ErrRangeOverlap
		}
		expected = p.MaxNonce + 1
	}

	batches := make([]model.PaymentBatch, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range sorted {
		i, p := i, p
		g.Go(func() error {
			select {
			case l.sem <- struct{}{}:
				defer func() { <-l.sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			sum, err := l.sumRecordedRange(ctx, recipient, p.MinNonce, p.MaxNonce)
			if err != nil {
				return err
			}
			if sum != p.Amount {
				return model.ErrInconsistentSum
			}

			if l.verifier == nil {
				return model.New(model.KindProofInvalid, "payment ledger: no verifying key loaded")
			}
			var recipientBytes [32]byte = recipient
			if err := l.verifier.Verify(p.Proof, recipientBytes, p.MinNonce, p.MaxNonce, p.Amount); err != nil {
				l.recordProofFailure(recipient)
				return model.ErrBadProof
			}

			batches[i] = model.PaymentBatch{Recipient: recipient, MinNonce: p.MinNonce, MaxNonce: p.MaxNonce, Amount: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total uint64
	for _, b := range batches {
		total += b.Amount
		if err := l.markSettled(ctx, recipient, b.MinNonce, b.MaxNonce); err != nil {
			return nil, err
		}
	}

	sig, err := signBatch(l.signer, recipient, sorted[0].MinNonce, sorted[len(sorted)-1].MaxNonce, total)
	if err != nil {
		return nil, model.Wrap(model.KindStoreError, "payment ledger: sign bulk authorization", err)
	}

	l.resetProofFailures(recipient)
	l.bus.Publish(eventbus.Event{Tag: eventbus.PaymentSettled, Payload: batches})

	return &model.BulkAuthorization{
		Recipient:   recipient,
		Batches:     batches,
		TotalAmount: total,
		Signature:   sig,
	}, nil
}

func (l *Ledger) lastSettledNonce(ctx context.Context, recipient model.Recipient) (uint64, bool, error) {
	records, err := l.store.ListByRecipient(ctx, recipient)
	if err != nil {
		return 0, false, model.Wrap(model.KindStoreError, "payment ledger: load records", err)
	}
	var found bool
	var last uint64
	for _, r := range records {
		if r.Settled && (!found || r.Nonce > last) {
			last = r.Nonce
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	return last + 1, true, nil
}

func (l *Ledger) markSettled(ctx context.Context, recipient model.Recipient, minNonce, maxNonce uint64) error {
	for n := minNonce; n <= maxNonce; n++ {
		rec, err := l.store.Get(ctx, recipient, n)
		if err != nil {
			return model.Wrap(model.KindStoreError, "payment ledger: load record to settle", err)
		}
		rec.Settled = true
		if err := l.store.Put(ctx, rec); err != nil {
			return model.Wrap(model.KindStoreError, "payment ledger: persist settlement", err)
		}
	}
	return nil
}

// ProcessPayoutRequest returns the recipient's highest-nonce unsettled
// PaymentRecord for test/manual flows (spec.md §4.3's administrative
// trigger). It does not form a batch and marks no record settled; it
// returns ErrNotFound when the recipient has no unsettled record.
func (l *Ledger) ProcessPayoutRequest(ctx context.Context, recipient model.Recipient) (*model.PaymentRecord, error) {
	records, err := l.store.ListByRecipient(ctx, recipient)
	if err != nil {
		return nil, model.Wrap(model.KindStoreError, "payment ledger: load records", err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].Settled {
			return records[i], nil
		}
	}
	return nil, model.ErrNotFound
}

func (l *Ledger) recordProofFailure(recipient model.Recipient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proofFailures[recipient]++
}

func (l *Ledger) resetProofFailures(recipient model.Recipient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.proofFailures, recipient)
}

// ProofFailureCount returns the worker's current consecutive proof-failure
// count, used by MessageRouter to decide whether to disconnect it, per
// spec.md §7.
func (l *Ledger) ProofFailureCount(recipient model.Recipient) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proofFailures[recipient]
}

// ExceedsFailureThreshold reports whether recipient has hit the configured
// MaxProofFailures.
func (l *Ledger) ExceedsFailureThreshold(recipient model.Recipient) bool {
	return l.ProofFailureCount(recipient) >= l.cfg.MaxProofFailures
}

func recipientHex(r model.Recipient) string {
	return hex.EncodeToString(r[:])
}

// sortProofs orders proofs by ascending MinNonce so contiguity can be
// checked in a single pass.
func sortProofs(proofs []model.ProofSubmission) {
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].MinNonce < proofs[j].MinNonce })
}
