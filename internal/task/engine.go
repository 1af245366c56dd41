// Package task implements the TaskEngine subsystem: the Task state
// machine, dispatch algorithm, timeout sweep, and per-task rejection
// blacklist. It is a single actor guarded by one mutex (spec.md §5) —
// dispatch and the timeout sweep run under the same lock per tick so the
// exclusivity and monotone-event-log invariants of spec.md §8 hold without
// extra cross-subsystem coordination.
package task

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/payment"
	"github.com/soitun/effectai-engine/internal/store"
	"github.com/soitun/effectai-engine/internal/worker"
)

// OfferSender delivers an offer message to a worker over whatever
// transport the MessageRouter wires in. TaskEngine depends only on this
// interface, never on MessageRouter itself, breaking the cyclic reference
// spec.md §9 calls out.
type OfferSender interface {
	SendOffer(ctx context.Context, workerPeerID peer.ID, t *model.Task) error
}

// Config configures dispatch and recovery policy.
type Config struct {
	// AcceptanceTimeout is TASK_ACCEPTANCE_TIME: how long a task may stay
	// Offered before it is reclaimed.
	AcceptanceTimeout time.Duration
	// RejectionCooldown is how long a worker who rejected a task stays off
	// that task's offer rotation (spec.md §9's resolution of the "should a
	// Rejected task ever be re-offered to the same worker" open question).
	RejectionCooldown time.Duration
}

// Engine owns Task state transitions exclusively. It never mutates Worker
// state directly, only through WorkerRegistry's own operations.
type Engine struct {
	mu sync.Mutex

	cfg Config

	tasks   map[string]*model.Task
	pending []string // FIFO order of Pending task IDs awaiting dispatch

	// blacklist maps taskID -> workerPeerID -> the time it may be
	// re-offered to that worker again.
	blacklist map[string]map[peer.ID]time.Time

	store     *store.TaskStore
	templates *store.TemplateStore
	registry  *worker.Registry
	ledger    *payment.Ledger
	bus       *eventbus.Bus
	sender    OfferSender
	logger    *zap.Logger

	// accepting gates CreateTask during ControlLoop's graceful stop drain
	// (spec.md §4.4: "stop runs a graceful drain: refuse new tasks...").
	accepting atomic.Bool
}

// New creates an Engine. Call LoadFromStore before accepting dispatch so
// in-flight tasks from a previous run are reconciled.
func New(cfg Config, taskStore *store.TaskStore, templateStore *store.TemplateStore, registry *worker.Registry, ledger *payment.Ledger, bus *eventbus.Bus, sender OfferSender, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AcceptanceTimeout <= 0 {
		cfg.AcceptanceTimeout = 30 * time.Second
	}
	if cfg.RejectionCooldown <= 0 {
		cfg.RejectionCooldown = 3 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		tasks:     make(map[string]*model.Task),
		blacklist: make(map[string]map[peer.ID]time.Time),
		store:     taskStore,
		templates: templateStore,
		registry:  registry,
		ledger:    ledger,
		bus:       bus,
		sender:    sender,
		logger:    logger,
	}
	e.accepting.Store(true)
	return e
}

// SetAccepting toggles whether CreateTask admits new tasks. ControlLoop
// clears this at the start of its graceful stop drain.
func (e *Engine) SetAccepting(accepting bool) {
	e.accepting.Store(accepting)
}

// HasInFlight reports whether any task is currently Offered or Accepted,
// used by ControlLoop's stop drain to know when it is safe to finish
// tearing down.
func (e *Engine) HasInFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.State == model.TaskOffered || t.State == model.TaskAccepted {
			return true
		}
	}
	return false
}

// LoadFromStore rebuilds in-memory task state from durable records. Any
// task left Offered or Accepted by an unclean shutdown is recovered back
// to Pending immediately — the workers that held them are, by
// construction, Disconnected after restart until they re-announce.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	records, err := e.store.All(ctx)
	if err != nil {
		return model.Wrap(model.KindStoreError, "task engine: load from store", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, t := range records {
		e.tasks[t.ID] = t
		switch t.State {
		case model.TaskPending:
			e.pending = append(e.pending, t.ID)
		case model.TaskOffered, model.TaskAccepted:
			if err := e.recoverTaskLocked(ctx, t, now); err != nil {
				e.logger.Error("task engine: recover task on load", zap.String("task_id", t.ID), zap.Error(err))
			}
		case model.TaskCompleted:
			// Restart-time accrual replay: if this task's Completed
			// transition was persisted but the accrual was never marked
			// enqueued (Manager crashed between the two outbox steps of
			// spec.md §5), re-enqueue it now.
			if !t.AccrualEnqueued {
				e.replayAccrual(ctx, t)
			}
		}
	}
	return nil
}

// replayAccrual re-derives the recipient for an already-Completed task
// from WorkerRegistry's durable record and hands the accrual to the
// ledger's inbox, marking it enqueued so a later restart doesn't repeat
// it. Must be called with e.mu held.
func (e *Engine) replayAccrual(ctx context.Context, t *model.Task) {
	w := e.registry.GetWorker(t.AssignedWorkerPeerID)
	if w == nil {
		e.logger.Error("task engine: replay accrual for unknown worker, skipped",
			zap.String("task_id", t.ID), zap.String("worker", t.AssignedWorkerPeerID.String()))
		return
	}
	t.AccrualEnqueued = true
	if err := e.store.Put(ctx, t); err != nil {
		e.logger.Error("task engine: persist accrual-enqueued marker", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	e.ledger.EnqueueAccrual(w.Recipient, t.Reward)
}

// RegisterTemplate persists an immutable template, rejecting duplicates.
func (e *Engine) RegisterTemplate(ctx context.Context, tmpl *model.Template, providerPeerID peer.ID) error {
	exists, err := e.templates.Exists(ctx, tmpl.TemplateID)
	if err != nil {
		return model.Wrap(model.KindStoreError, "task engine: check template existence", err)
	}
	if exists {
		return model.New(model.KindConflict, "template already registered")
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now()
	}
	if err := e.templates.Put(ctx, tmpl); err != nil {
		return model.Wrap(model.KindStoreError, "task engine: persist template", err)
	}
	e.logger.Info("template registered", zap.String("template_id", tmpl.TemplateID), zap.String("provider", providerPeerID.String()))
	return nil
}

// CreateTask admits a new task in Pending state and queues it for
// dispatch.
func (e *Engine) CreateTask(ctx context.Context, t *model.Task, providerPeerID peer.ID) error {
	if !e.accepting.Load() {
		return model.ErrManagerStopping
	}

	exists, err := e.templates.Exists(ctx, t.TemplateID)
	if err != nil {
		return model.Wrap(model.KindStoreError, "task engine: check template existence", err)
	}
	if !exists {
		return model.ErrUnknownTemplate
	}
	if t.Reward == 0 {
		return model.ErrInvalidReward
	}

	e.mu.Lock()
	if _, ok := e.tasks[t.ID]; ok {
		e.mu.Unlock()
		return model.ErrDuplicateTask
	}

	now := time.Now()
	t.ProviderPeerID = providerPeerID
	t.CreatedAt = now
	t.State = model.TaskPending
	t.AppendEvent(model.EventCreated, providerPeerID.String(), nil, now)

	if err := e.store.Put(ctx, t); err != nil {
		e.mu.Unlock()
		return model.Wrap(model.KindStoreError, "task engine: persist created task", err)
	}

	e.tasks[t.ID] = t
	e.pending = append(e.pending, t.ID)
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskCreated, Payload: t.ID})
	return nil
}

// ProcessTaskAcceptance transitions Offered -> Accepted.
func (e *Engine) ProcessTaskAcceptance(ctx context.Context, taskID string, workerPeerID peer.ID) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return model.ErrNotFound
	}
	if t.State != model.TaskOffered {
		e.mu.Unlock()
		return model.ErrNotOffered
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		e.mu.Unlock()
		return model.ErrWrongWorker
	}
	if t.Deadline != nil && time.Now().After(*t.Deadline) {
		e.mu.Unlock()
		return model.ErrDeadlinePassed
	}

	prev := *t
	t.State = model.TaskAccepted
	t.AppendEvent(model.EventAccepted, workerPeerID.String(), nil, time.Now())

	if err := e.store.Put(ctx, t); err != nil {
		*t = prev
		e.mu.Unlock()
		return model.Wrap(model.KindStoreError, "task engine: persist acceptance", err)
	}
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskAccepted, Payload: taskID})
	return nil
}

// ProcessTaskRejection returns a task to Pending, excluding the rejecting
// worker from its rotation for RejectionCooldown.
func (e *Engine) ProcessTaskRejection(ctx context.Context, taskID string, workerPeerID peer.ID, reason string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return model.ErrNotFound
	}
	if t.State != model.TaskOffered {
		e.mu.Unlock()
		return model.ErrNotOffered
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		e.mu.Unlock()
		return model.ErrWrongWorker
	}

	var payload json.RawMessage
	if reason != "" {
		if b, err := json.Marshal(struct {
			Reason string `json:"reason"`
		}{Reason: reason}); err == nil {
			payload = b
		}
	}

	prev := *t
	now := time.Now()
	t.AppendEvent(model.EventRejected, workerPeerID.String(), payload, now)
	t.State = model.TaskPending
	t.AssignedWorkerPeerID = ""
	t.OfferedAt = nil
	t.Deadline = nil

	if err := e.store.Put(ctx, t); err != nil {
		*t = prev
		e.mu.Unlock()
		return model.Wrap(model.KindStoreError, "task engine: persist rejection", err)
	}
	e.blacklistWorkerLocked(taskID, workerPeerID, now)
	e.pending = append(e.pending, taskID)
	e.mu.Unlock()

	e.registry.MarkIdle(workerPeerID)
	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskRejected, Payload: taskID})
	return nil
}

// ProcessTaskSubmission transitions Accepted -> Completed and hands an
// accrual request to PaymentLedger's inbox. The task's Completed
// transition is persisted before the accrual is enqueued — the outbox
// pattern of spec.md §5.
func (e *Engine) ProcessTaskSubmission(ctx context.Context, taskID string, workerPeerID peer.ID, result string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return model.ErrNotFound
	}
	if t.State != model.TaskAccepted {
		e.mu.Unlock()
		return model.ErrNotAccepted
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		e.mu.Unlock()
		return model.ErrWrongWorker
	}

	prev := *t
	now := time.Now()
	payload, _ := json.Marshal(struct {
		Result string `json:"result"`
	}{Result: result})
	t.AppendEvent(model.EventSubmission, workerPeerID.String(), payload, now)
	t.AppendEvent(model.EventCompleted, workerPeerID.String(), nil, now)
	t.State = model.TaskCompleted
	t.AccrualEnqueued = true

	if err := e.store.Put(ctx, t); err != nil {
		*t = prev
		e.mu.Unlock()
		return model.Wrap(model.KindStoreError, "task engine: persist completion", err)
	}
	reward := t.Reward
	e.mu.Unlock()

	e.registry.MarkIdle(workerPeerID)
	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskCompleted, Payload: taskID})

	w := e.registry.GetWorker(workerPeerID)
	if w != nil {
		e.ledger.EnqueueAccrual(w.Recipient, reward)
	} else {
		e.logger.Error("task engine: completed task references unknown worker, accrual skipped",
			zap.String("task_id", taskID), zap.String("worker", workerPeerID.String()))
	}
	return nil
}

// GetTask returns a copy of a task by ID, or nil if unknown.
func (e *Engine) GetTask(taskID string) *model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// GetCompletedTasks is a paginated read model over Completed tasks, newest
// first.
func (e *Engine) GetCompletedTasks(offset, limit int) []*model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	completed := make([]*model.Task, 0)
	for _, t := range e.tasks {
		if t.State == model.TaskCompleted {
			completed = append(completed, t)
		}
	}
	sortTasksByCreatedAtDesc(completed)

	if offset >= len(completed) {
		return []*model.Task{}
	}
	end := offset + limit
	if limit <= 0 || end > len(completed) {
		end = len(completed)
	}
	out := make([]*model.Task, end-offset)
	copy(out, completed[offset:end])
	return out
}

// GetTasksByTemplate returns every task registered under templateID, used
// by the admin `/tasks/:templateId` read model.
func (e *Engine) GetTasksByTemplate(templateID string) []*model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*model.Task, 0)
	for _, t := range e.tasks {
		if t.TemplateID == templateID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasksByCreatedAtDesc(out)
	return out
}

func sortTasksByCreatedAtDesc(tasks []*model.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.After(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// DispatchStep runs the dispatch algorithm of spec.md §4.2: it takes
// Pending tasks in FIFO order and offers each to the next eligible worker
// not on that task's blacklist, stopping at the first task for which no
// such worker exists. ControlLoop runs it once per tick; CreateTask and
// MarkIdle do not trigger it, so new work waits for the next tick.
func (e *Engine) DispatchStep(ctx context.Context) {
	for {
		offered := e.tryDispatchOne(ctx)
		if !offered {
			return
		}
	}
}

func (e *Engine) tryDispatchOne(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return false
	}
	taskID := e.pending[0]
	t, ok := e.tasks[taskID]
	if !ok || t.State != model.TaskPending {
		// Stale queue entry (task was removed or already transitioned
		// elsewhere); drop it and let the caller retry.
		e.pending = e.pending[1:]
		e.mu.Unlock()
		return true
	}

	blacklisted := e.blacklist[taskID]
	e.mu.Unlock()

	workerPeerID, ok := e.registry.NextEligibleMatching(func(p peer.ID) bool {
		if blacklisted == nil {
			return true
		}
		until, blocked := blacklisted[p]
		return !blocked || time.Now().After(until)
	})
	if !ok {
		return false
	}

	e.mu.Lock()
	// Re-check state: another goroutine could have mutated it between the
	// unlock above and acquiring eligibility (e.g. a concurrent
	// rejection/timeout replayed the task). Safe because the engine is
	// single-writer: DispatchStep is only ever invoked by ControlLoop's
	// single goroutine or CreateTask's caller, never concurrently with
	// itself.
	if t.State != model.TaskPending {
		e.mu.Unlock()
		return true
	}

	now := time.Now()
	deadline := now.Add(e.cfg.AcceptanceTimeout)
	t.State = model.TaskOffered
	t.AssignedWorkerPeerID = workerPeerID
	t.OfferedAt = &now
	t.Deadline = &deadline
	t.AppendEvent(model.EventOffered, workerPeerID.String(), nil, now)

	if err := e.store.Put(ctx, t); err != nil {
		// Roll back: the transition never happened as far as any observer
		// is concerned.
		t.State = model.TaskPending
		t.AssignedWorkerPeerID = ""
		t.OfferedAt = nil
		t.Deadline = nil
		t.Events = t.Events[:len(t.Events)-1]
		e.mu.Unlock()
		e.logger.Error("task engine: persist offer failed, rolled back", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	e.pending = e.pending[1:]
	e.mu.Unlock()

	e.registry.MarkBusy(workerPeerID, taskID)

	if err := e.sender.SendOffer(ctx, workerPeerID, t); err != nil {
		// Transport send failure during an offer rolls the task back to
		// Pending and marks the worker idle, per spec.md §7.
		e.rollbackOffer(ctx, taskID, workerPeerID)
		e.logger.Warn("task engine: offer send failed, rolled back", zap.String("task_id", taskID), zap.Error(err))
		return true
	}

	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskOffered, Payload: taskID})
	return true
}

func (e *Engine) rollbackOffer(ctx context.Context, taskID string, workerPeerID peer.ID) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	t.State = model.TaskPending
	t.AssignedWorkerPeerID = ""
	t.OfferedAt = nil
	t.Deadline = nil
	if err := e.store.Put(ctx, t); err != nil {
		e.logger.Error("task engine: persist offer rollback", zap.String("task_id", taskID), zap.Error(err))
	}
	e.pending = append(e.pending, taskID)
	e.mu.Unlock()

	e.registry.MarkIdle(workerPeerID)
}

// TimeoutSweep reclaims Offered tasks past their deadline and recovers
// Offered/Accepted tasks whose assigned worker is no longer Connected
// (spec.md §4.2, §8 invariant 5). Runs once per ControlLoop tick.
func (e *Engine) TimeoutSweep(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	var toRecover []*model.Task
	for _, t := range e.tasks {
		switch t.State {
		case model.TaskOffered:
			if t.Deadline != nil && now.After(*t.Deadline) {
				toRecover = append(toRecover, t)
				continue
			}
			if w := e.registry.GetWorker(t.AssignedWorkerPeerID); w == nil || w.State != model.WorkerConnected {
				toRecover = append(toRecover, t)
			}
		case model.TaskAccepted:
			if w := e.registry.GetWorker(t.AssignedWorkerPeerID); w == nil || w.State != model.WorkerConnected {
				toRecover = append(toRecover, t)
			}
		}
	}
	e.pruneBlacklistLocked(now)
	e.mu.Unlock()

	for _, t := range toRecover {
		e.recoverTask(ctx, t, now)
	}
}

// CancelOffered immediately recovers every Offered task back to Pending,
// regardless of its deadline. ControlLoop calls this at the start of its
// graceful stop drain (spec.md §4.4: "stop() cancels all pending offers").
func (e *Engine) CancelOffered(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	var toRecover []*model.Task
	for _, t := range e.tasks {
		if t.State == model.TaskOffered {
			toRecover = append(toRecover, t)
		}
	}
	e.mu.Unlock()

	for _, t := range toRecover {
		e.recoverTask(ctx, t, now)
	}
}

// ForceExpireAccepted hard-cancels every remaining Accepted task, used
// once ControlLoop's graceful stop deadline elapses without the task
// completing naturally (spec.md §4.4/§5: "awaits completion... up to a
// graceful deadline, then hard-cancels the rest").
func (e *Engine) ForceExpireAccepted(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	var toRecover []*model.Task
	for _, t := range e.tasks {
		if t.State == model.TaskAccepted {
			toRecover = append(toRecover, t)
		}
	}
	e.mu.Unlock()

	for _, t := range toRecover {
		e.recoverTask(ctx, t, now)
	}
}

func (e *Engine) recoverTask(ctx context.Context, t *model.Task, now time.Time) {
	e.mu.Lock()
	assignedPeerID := t.AssignedWorkerPeerID
	if err := e.recoverTaskLocked(ctx, t, now); err != nil {
		e.logger.Error("task engine: recover task", zap.String("task_id", t.ID), zap.Error(err))
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.registry.MarkIdle(assignedPeerID)
	e.bus.Publish(eventbus.Event{Tag: eventbus.TaskExpired, Payload: t.ID})
}

// recoverTaskLocked must be called with e.mu held. It transitions t back
// to Pending, appends an expired event, and re-enqueues it for dispatch.
func (e *Engine) recoverTaskLocked(ctx context.Context, t *model.Task, now time.Time) error {
	t.AppendEvent(model.EventExpired, "control-loop", nil, now)
	t.State = model.TaskPending
	t.AssignedWorkerPeerID = ""
	t.OfferedAt = nil
	t.Deadline = nil

	if err := e.store.Put(ctx, t); err != nil {
		return model.Wrap(model.KindStoreError, "task engine: persist recovery", err)
	}
	e.pending = append(e.pending, t.ID)
	return nil
}

func (e *Engine) blacklistWorkerLocked(taskID string, peerID peer.ID, now time.Time) {
	if e.blacklist[taskID] == nil {
		e.blacklist[taskID] = make(map[peer.ID]time.Time)
	}
	e.blacklist[taskID][peerID] = now.Add(e.cfg.RejectionCooldown)
}

// pruneBlacklistLocked drops expired blacklist entries so the map doesn't
// grow without bound across a long-running Manager.
func (e *Engine) pruneBlacklistLocked(now time.Time) {
	for taskID, byWorker := range e.blacklist {
		for peerID, until := range byWorker {
			if now.After(until) {
				delete(byWorker, peerID)
			}
		}
		if len(byWorker) == 0 {
			delete(e.blacklist, taskID)
		}
	}
}
