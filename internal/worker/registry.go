// Package worker implements the WorkerRegistry subsystem: identity,
// onboarding, and dispatch-queue membership for workers connected to the
// Manager. It is a single actor guarded by one mutex (spec.md §5's
// single-writer-per-subsystem model) — all operations are in-memory map and
// slice mutation plus a non-blocking durable write, so no dedicated
// goroutine is needed.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/store"
)

// Registry owns Worker connection state exclusively. TaskEngine consults it
// through NextEligible/MarkBusy/MarkIdle but never mutates a Worker record
// directly, per spec.md §3's ownership rules.
type Registry struct {
	mu sync.Mutex

	workers map[peer.ID]*model.Worker

	// queue is the round-robin dispatch queue: Connected, non-Busy workers
	// only. It is a slice used as a ring buffer: cursor points at the next
	// candidate, and nextEligible rotates it on every successful pop.
	queue  []peer.ID
	cursor int

	requireAccessCodes bool

	store       *store.WorkerStore
	accessCodes *store.AccessCodeStore
	bus         *eventbus.Bus
	logger      *zap.Logger
}

// Config configures onboarding policy.
type Config struct {
	RequireAccessCodes bool
}

// New creates a Registry. Call LoadFromStore after construction to rebuild
// durable records on startup.
func New(cfg Config, workerStore *store.WorkerStore, accessCodes *store.AccessCodeStore, bus *eventbus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers:            make(map[peer.ID]*model.Worker),
		requireAccessCodes: cfg.RequireAccessCodes,
		store:              workerStore,
		accessCodes:        accessCodes,
		bus:                bus,
		logger:             logger,
	}
}

// LoadFromStore rebuilds the in-memory worker map from durable records.
// Every worker starts Disconnected (and off the dispatch queue) until it
// re-announces, per SPEC_FULL.md §5.1.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	records, err := r.store.All(ctx)
	if err != nil {
		return model.Wrap(model.KindStoreError, "worker registry: load from store", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range records {
		w.State = model.WorkerDisconnected
		r.workers[w.PeerID] = w
	}
	return nil
}

// Onboard admits a new worker or idempotently re-admits an existing one.
func (r *Registry) Onboard(ctx context.Context, peerID peer.ID, recipient model.Recipient, nonce uint64, accessCode string) error {
	r.mu.Lock()

	if r.requireAccessCodes {
		if accessCode == "" {
			r.mu.Unlock()
			return model.ErrAccessCodesRequired
		}
		valid, err := r.accessCodes.IsValid(ctx, accessCode)
		if err != nil {
			r.mu.Unlock()
			return model.Wrap(model.KindStoreError, "worker registry: check access code", err)
		}
		if !valid {
			r.mu.Unlock()
			return model.ErrBadAccessCode
		}
	}

	existing, known := r.workers[peerID]
	if known {
		if nonce == existing.LastNonce {
			// Idempotent re-onboard with the same (peerId, nonce): no state change.
			r.mu.Unlock()
			return nil
		}
		if nonce <= existing.LastNonce {
			r.mu.Unlock()
			return model.ErrReplayedNonce
		}
		if existing.State == model.WorkerConnected || existing.State == model.WorkerBusy {
			r.mu.Unlock()
			return model.ErrAlreadyOnboarded
		}
	}

	now := time.Now()
	w := &model.Worker{
		PeerID:      peerID,
		Recipient:   recipient,
		AccessCode:  accessCode,
		State:       model.WorkerConnected,
		ConnectedAt: now,
		LastNonce:   nonce,
	}
	if known {
		w.CurrentTaskID = existing.CurrentTaskID
	}
	r.workers[peerID] = w
	r.enqueue(peerID)
	r.mu.Unlock()

	if r.requireAccessCodes {
		if err := r.accessCodes.Consume(ctx, accessCode); err != nil {
			r.logger.Warn("worker registry: failed to mark access code consumed", zap.Error(err))
		}
	}
	if err := r.store.Put(ctx, w); err != nil {
		return model.Wrap(model.KindStoreError, "worker registry: persist onboarding", err)
	}

	r.logger.Info("worker onboarded", zap.String("peer_id", peerID.String()), zap.Uint64("nonce", nonce))
	r.bus.Publish(eventbus.Event{Tag: eventbus.WorkerConnected, Payload: peerID})
	return nil
}

// GetWorker returns a copy of the worker record, or nil if unknown.
func (r *Registry) GetWorker(peerID peer.ID) *model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// Connect marks a worker Connected and re-enqueues it for dispatch. Fired by
// transport connection events.
func (r *Registry) Connect(peerID peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok {
		return
	}
	if w.State == model.WorkerDisconnected {
		w.State = model.WorkerConnected
		r.enqueue(peerID)
	}
	r.bus.Publish(eventbus.Event{Tag: eventbus.WorkerConnected, Payload: peerID})
}

// Disconnect marks a worker Disconnected and removes it from the dispatch
// queue. The durable record is untouched so re-onboarding stays idempotent.
// The registry itself takes no action on any task the worker was holding;
// TaskEngine's timeout sweep observes the state change and recovers it.
func (r *Registry) Disconnect(peerID peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok {
		return
	}
	w.State = model.WorkerDisconnected
	r.removeFromQueue(peerID)
	r.bus.Publish(eventbus.Event{Tag: eventbus.WorkerDisconnected, Payload: peerID})
}

// NextEligible returns and rotates to the next Connected, non-Busy worker
// in round-robin order. Returns ("", false) if no worker is eligible.
func (r *Registry) NextEligible() (peer.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.queue)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		candidate := r.queue[idx]
		w, ok := r.workers[candidate]
		if !ok || w.State != model.WorkerConnected {
			continue
		}
		r.cursor = (idx + 1) % n
		return candidate, true
	}
	return "", false
}

// NextEligibleMatching is NextEligible with an extra predicate, used by
// TaskEngine to skip workers on a task's short-lived rejection blacklist
// without disturbing the queue for any other task (spec.md §4.2 edge
// cases). Candidates the predicate rejects are left at their queue
// position; only the chosen candidate's position rotates the cursor.
func (r *Registry) NextEligibleMatching(accept func(peer.ID) bool) (peer.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.queue)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		candidate := r.queue[idx]
		w, ok := r.workers[candidate]
		if !ok || w.State != model.WorkerConnected {
			continue
		}
		if !accept(candidate) {
			continue
		}
		r.cursor = (idx + 1) % n
		return candidate, true
	}
	return "", false
}

// MarkBusy transitions a worker to Busy and records the task it now holds.
// Called exclusively by TaskEngine as part of dispatch.
func (r *Registry) MarkBusy(peerID peer.ID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok {
		return
	}
	w.State = model.WorkerBusy
	w.CurrentTaskID = taskID
	r.removeFromQueue(peerID)
}

// MarkIdle transitions a worker back to Connected and re-enqueues it,
// unless it has since disconnected.
func (r *Registry) MarkIdle(peerID peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok {
		return
	}
	w.CurrentTaskID = ""
	if w.State == model.WorkerDisconnected {
		return
	}
	w.State = model.WorkerConnected
	r.enqueue(peerID)
}

// RequeueToTail moves a Connected worker to the tail of the dispatch queue.
// Nothing in the Manager calls it: TaskEngine's timeout recovery returns a
// worker through MarkIdle, which also appends it at the tail.
func (r *Registry) RequeueToTail(peerID peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peerID]
	if !ok || w.State != model.WorkerConnected {
		return
	}
	r.removeFromQueue(peerID)
	r.enqueue(peerID)
}

// enqueue appends peerID to the tail of the queue if it isn't already present.
func (r *Registry) enqueue(peerID peer.ID) {
	for _, p := range r.queue {
		if p == peerID {
			return
		}
	}
	r.queue = append(r.queue, peerID)
}

func (r *Registry) removeFromQueue(peerID peer.ID) {
	for i, p := range r.queue {
		if p != peerID {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		if r.cursor > i {
			r.cursor--
		}
		if len(r.queue) > 0 {
			r.cursor = r.cursor % len(r.queue)
		} else {
			r.cursor = 0
		}
		return
	}
}

// QueueLen returns the number of workers currently eligible for dispatch,
// used by the admin dashboard's read-only status poll.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ConnectedPeers returns the peer IDs of every Connected or Busy worker.
func (r *Registry) ConnectedPeers() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]peer.ID, 0, len(r.workers))
	for id, w := range r.workers {
		if w.State == model.WorkerConnected || w.State == model.WorkerBusy {
			peers = append(peers, id)
		}
	}
	return peers
}
