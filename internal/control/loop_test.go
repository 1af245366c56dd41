package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/identity"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/payment"
	"github.com/soitun/effectai-engine/internal/store"
	"github.com/soitun/effectai-engine/internal/task"
	"github.com/soitun/effectai-engine/internal/worker"
)

type noopSender struct{}

func (noopSender) SendOffer(ctx context.Context, workerPeerID peer.ID, t *model.Task) error {
	return nil
}

func newTestLoop(t *testing.T, cfg Config) (*Loop, *task.Engine, *worker.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := store.NewKVFromClient(client, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := eventbus.New(ctx, zap.NewNop())
	t.Cleanup(bus.Close)

	registry := worker.New(worker.Config{}, store.NewWorkerStore(kv), store.NewAccessCodeStore(kv), bus, zap.NewNop())
	signer, err := identity.DeriveSigningKey(make([]byte, 32))
	require.NoError(t, err)
	ledger := payment.New(ctx, payment.Config{PaymentBatchSize: 10}, signer, nil, store.NewPaymentStore(kv), bus, zap.NewNop())
	t.Cleanup(ledger.Close)

	engine := task.New(task.Config{AcceptanceTimeout: time.Minute, RejectionCooldown: time.Minute},
		store.NewTaskStore(kv), store.NewTemplateStore(kv), registry, ledger, bus, noopSender{}, zap.NewNop())

	require.NoError(t, store.NewTemplateStore(kv).Put(context.Background(), &model.Template{TemplateID: "tmpl-1", Name: "test"}))

	loop := New(cfg, engine, bus, zap.NewNop())
	return loop, engine, registry
}

func newLoopTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestTickAdvancesCycleAndDispatches(t *testing.T) {
	loop, engine, registry := newTestLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newLoopTestPeer(t)
	require.NoError(t, registry.Onboard(ctx, w, model.Recipient{0x01}, 1, ""))
	require.NoError(t, engine.CreateTask(ctx, &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 10}, newLoopTestPeer(t)))

	loop.Start(ctx)
	defer loop.Stop(context.Background())

	require.Eventually(t, func() bool {
		return loop.GetCycle() > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return engine.GetTask("t1").State == model.TaskOffered
	}, time.Second, 5*time.Millisecond)
}

func TestPauseSuspendsDispatchButCycleAdvances(t *testing.T) {
	loop, engine, registry := newTestLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop.Pause()
	loop.Start(ctx)
	defer loop.Stop(context.Background())

	w := newLoopTestPeer(t)
	require.NoError(t, registry.Onboard(ctx, w, model.Recipient{0x01}, 1, ""))
	require.NoError(t, engine.CreateTask(ctx, &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 10}, newLoopTestPeer(t)))

	require.Eventually(t, func() bool {
		return loop.GetCycle() > 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, model.TaskPending, engine.GetTask("t1").State, "dispatch must stay suspended while paused")

	loop.Resume()
	require.Eventually(t, func() bool {
		return engine.GetTask("t1").State == model.TaskOffered
	}, time.Second, 5*time.Millisecond)
}

func TestStopRefusesNewTasksAndCancelsOffers(t *testing.T) {
	loop, engine, registry := newTestLoop(t, Config{TickInterval: 10 * time.Millisecond, StopGracePeriod: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newLoopTestPeer(t)
	require.NoError(t, registry.Onboard(ctx, w, model.Recipient{0x01}, 1, ""))
	require.NoError(t, engine.CreateTask(ctx, &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 10}, newLoopTestPeer(t)))

	loop.Start(ctx)
	require.Eventually(t, func() bool {
		return engine.GetTask("t1").State == model.TaskOffered
	}, time.Second, 5*time.Millisecond)

	loop.Stop(context.Background())

	require.Equal(t, model.TaskPending, engine.GetTask("t1").State)
	err := engine.CreateTask(context.Background(), &model.Task{ID: "t2", TemplateID: "tmpl-1", Reward: 10}, newLoopTestPeer(t))
	require.ErrorIs(t, err, model.ErrManagerStopping)
}
