package worker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
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

	return New(Config{}, store.NewWorkerStore(kv), store.NewAccessCodeStore(kv), bus, zap.NewNop())
}

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestOnboardAdmitsNewWorker(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPeer(t)
	recipient := model.Recipient{0x01}

	err := r.Onboard(context.Background(), p, recipient, 1, "")
	require.NoError(t, err)

	w := r.GetWorker(p)
	require.NotNil(t, w)
	require.Equal(t, model.WorkerConnected, w.State)
	require.Equal(t, uint64(1), w.LastNonce)
}

func TestOnboardReplayedNonceRejected(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPeer(t)
	recipient := model.Recipient{0x02}

	require.NoError(t, r.Onboard(context.Background(), p, recipient, 5, ""))
	r.Disconnect(p)

	err := r.Onboard(context.Background(), p, recipient, 3, "")
	require.ErrorIs(t, err, model.ErrReplayedNonce)
}

func TestOnboardIdempotentSameNonce(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPeer(t)
	recipient := model.Recipient{0x03}

	require.NoError(t, r.Onboard(context.Background(), p, recipient, 7, ""))
	require.NoError(t, r.Onboard(context.Background(), p, recipient, 7, ""))
}

func TestOnboardAlreadyConnectedRejectsNewNonce(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPeer(t)
	recipient := model.Recipient{0x04}

	require.NoError(t, r.Onboard(context.Background(), p, recipient, 1, ""))
	err := r.Onboard(context.Background(), p, recipient, 2, "")
	require.ErrorIs(t, err, model.ErrAlreadyOnboarded)
}

func TestNextEligibleRoundRobin(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p1, p2, p3 := newTestPeer(t), newTestPeer(t), newTestPeer(t)
	require.NoError(t, r.Onboard(ctx, p1, model.Recipient{0x01}, 1, ""))
	require.NoError(t, r.Onboard(ctx, p2, model.Recipient{0x02}, 1, ""))
	require.NoError(t, r.Onboard(ctx, p3, model.Recipient{0x03}, 1, ""))

	first, ok := r.NextEligible()
	require.True(t, ok)
	require.Equal(t, p1, first)

	r.MarkIdle(p1)

	second, ok := r.NextEligible()
	require.True(t, ok)
	require.Equal(t, p2, second)
}

func TestMarkBusyRemovesFromQueue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	p := newTestPeer(t)
	require.NoError(t, r.Onboard(ctx, p, model.Recipient{0x01}, 1, ""))

	r.MarkBusy(p, "task-1")
	require.Equal(t, 0, r.QueueLen())

	_, ok := r.NextEligible()
	require.False(t, ok)
}

func TestNextEligibleMatchingSkipsBlacklisted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	p1, p2 := newTestPeer(t), newTestPeer(t)
	require.NoError(t, r.Onboard(ctx, p1, model.Recipient{0x01}, 1, ""))
	require.NoError(t, r.Onboard(ctx, p2, model.Recipient{0x02}, 1, ""))

	chosen, ok := r.NextEligibleMatching(func(id peer.ID) bool { return id != p1 })
	require.True(t, ok)
	require.Equal(t, p2, chosen)

	// p1's queue position is untouched since it was rejected, not consumed.
	next, ok := r.NextEligible()
	require.True(t, ok)
	require.Equal(t, p1, next)
}

func TestDisconnectRemovesFromQueueAndKeepsRecord(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	p := newTestPeer(t)
	require.NoError(t, r.Onboard(ctx, p, model.Recipient{0x01}, 1, ""))

	r.Disconnect(p)
	require.Equal(t, 0, r.QueueLen())

	w := r.GetWorker(p)
	require.NotNil(t, w)
	require.Equal(t, model.WorkerDisconnected, w.State)
}
