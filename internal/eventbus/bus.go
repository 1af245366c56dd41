// Package eventbus unifies the Manager's cross-subsystem notifications on a
// single tagged-variant event type, replacing what spec.md §9 calls out as
// "an event emitter with mixed union of plain-callback and typed-event
// payloads" in the source system it was distilled from. TaskEngine,
// WorkerRegistry, PaymentLedger, and ControlLoop all publish observations
// here; none of them holds a direct reference to another subsystem's
// internal state (spec.md §9's cyclic-reference note).
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Tag identifies the kind of event carried by an Event.
type Tag string

const (
	TaskCreated     Tag = "task:created"
	TaskOffered     Tag = "task:offered"
	TaskAccepted    Tag = "task:accepted"
	TaskRejected    Tag = "task:rejected"
	TaskExpired     Tag = "task:expired"
	TaskCompleted   Tag = "task:completed"
	WorkerConnected Tag = "worker:connected"
	WorkerDisconnected Tag = "worker:disconnected"
	PaymentCreated  Tag = "payment:created"
	PaymentSettled  Tag = "payment:settled"
	CycleTick       Tag = "manager:cycle"
	ManagerStop     Tag = "manager:stop"
)

// Event is the single tagged-variant payload every subsystem publishes.
type Event struct {
	Tag     Tag
	Payload any
}

// Handler processes a published event. Handlers run on the bus's own
// dispatch goroutine; a slow handler delays other subscribers of the same
// tag but never blocks the publisher (Publish is a non-blocking channel
// send against a buffered queue).
type Handler func(ctx context.Context, evt Event)

// Bus fans out published events to subscribers without ever blocking a
// publisher on a slow subscriber, matching spec.md §6's non-blocking
// cross-subsystem call requirement.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Tag][]Handler

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bus and starts its dispatch goroutine. Call Close to stop it.
func New(ctx context.Context, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	busCtx, cancel := context.WithCancel(ctx)
	b := &Bus{
		logger:   logger,
		handlers: make(map[Tag][]Handler),
		events:   make(chan Event, 256),
		ctx:      busCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a handler for a tag. Safe to call concurrently with
// Publish.
func (b *Bus) Subscribe(tag Tag, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[tag] = append(b.handlers[tag], handler)
}

// Publish enqueues an event for dispatch. Never blocks the caller beyond a
// full queue, in which case the event is dropped and logged rather than
// stalling the publishing subsystem's actor loop.
func (b *Bus) Publish(evt Event) {
	select {
	case b.events <- evt:
	default:
		b.logger.Warn("eventbus: queue full, dropping event", zap.String("tag", string(evt.Tag)))
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.events:
			b.mu.RLock()
			handlers := append([]Handler(nil), b.handlers[evt.Tag]...)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(b.ctx, evt)
			}
		}
	}
}

// Close stops the dispatch goroutine and waits for it to drain.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}
