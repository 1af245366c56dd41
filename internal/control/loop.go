// Package control implements the ControlLoop subsystem: the cycle tick
// that drives TaskEngine's timeout sweep and dispatch step, plus
// start/stop/pause/resume lifecycle management. The ticking goroutine
// mirrors the heartbeat-loop shape of reference-runtime-v1's
// presence.Service.heartbeatLoop and the cleanup-ticker shape of
// libs/marketplace.AuctionService.
package control

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/task"
)

var tracer = otel.Tracer("github.com/soitun/effectai-engine/internal/control")

// Config configures tick cadence and stop behavior.
type Config struct {
	// TickInterval is the cycle cadence; spec.md §4.4 defaults to ≈1 Hz.
	TickInterval time.Duration
	// StopGracePeriod bounds how long Stop waits for in-flight Accepted
	// tasks to complete or expire before hard-cancelling them.
	StopGracePeriod time.Duration
}

// Loop owns the cycle tick exclusively; it is the only caller of
// TaskEngine's TimeoutSweep and DispatchStep in the Manager; CreateTask
// and MarkIdle do not dispatch on their own.
type Loop struct {
	cfg    Config
	engine *task.Engine
	bus    *eventbus.Bus
	logger *zap.Logger

	cycle atomic.Uint64
	paused atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Loop. Call Start to begin ticking.
func New(cfg Config, engine *task.Engine, bus *eventbus.Bus, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	return &Loop{
		cfg:    cfg,
		engine: engine,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins the tick goroutine. Safe to call once.
func (l *Loop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.tickLoop(runCtx)
	l.logger.Info("control loop started", zap.Duration("tick_interval", l.cfg.TickInterval))
}

func (l *Loop) tickLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one cycle: timeout sweep, dispatch step, cycle emit. Sweeps
// and dispatch are skipped while paused, but the cycle counter still
// advances — inbound messages keep queueing into MessageRouter
// regardless, per spec.md §4.4.
func (l *Loop) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "control.tick")
	defer span.End()

	if !l.paused.Load() {
		l.engine.TimeoutSweep(ctx)
		l.engine.DispatchStep(ctx)
	}
	n := l.cycle.Add(1)
	span.SetAttributes(attribute.Int64("cycle", int64(n)))
	l.bus.Publish(eventbus.Event{Tag: eventbus.CycleTick, Payload: n})
}

// Pause suspends sweeps and dispatch without stopping the tick itself.
func (l *Loop) Pause() {
	l.paused.Store(true)
}

// Resume reverses Pause.
func (l *Loop) Resume() {
	l.paused.Store(false)
}

// GetCycle returns the current monotonically increasing cycle counter.
func (l *Loop) GetCycle() uint64 {
	return l.cycle.Load()
}

// Stop runs the graceful drain of spec.md §4.4/§5: refuse new tasks,
// cancel outstanding offers, wait up to StopGracePeriod for in-flight
// tasks to complete or expire naturally, stop ticking, hard-cancel
// whatever is still Offered or Accepted, then emit manager:stop.
func (l *Loop) Stop(ctx context.Context) {
	l.engine.SetAccepting(false)
	l.engine.CancelOffered(ctx)

	deadline := time.Now().Add(l.cfg.StopGracePeriod)
	for l.engine.HasInFlight() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if l.cancel != nil {
		l.cancel()
		<-l.done
	}

	if l.engine.HasInFlight() {
		l.logger.Warn("control loop: stop grace period elapsed, hard-cancelling remaining tasks")
		l.engine.CancelOffered(ctx)
		l.engine.ForceExpireAccepted(ctx)
	}

	l.bus.Publish(eventbus.Event{Tag: eventbus.ManagerStop, Payload: nil})
	l.logger.Info("control loop stopped", zap.Uint64("final_cycle", l.GetCycle()))
}
