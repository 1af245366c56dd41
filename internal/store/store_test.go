package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/model"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewKVFromClient(client, zap.NewNop())
}

func TestWorkerStorePutGetAll(t *testing.T) {
	kv := newTestKV(t)
	s := NewWorkerStore(kv)
	ctx := context.Background()

	w := &model.Worker{Recipient: model.Recipient{0x01}, LastNonce: 3}
	// PeerID is a peer.ID derived from a key elsewhere in production; here
	// only its String() round-trip through the hash key matters.
	require.NoError(t, s.Put(ctx, w))

	got, err := s.Get(ctx, w.PeerID.String())
	require.NoError(t, err)
	require.Equal(t, w.Recipient, got.Recipient)
	require.Equal(t, w.LastNonce, got.LastNonce)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestWorkerStoreGetMissingReturnsNotFound(t *testing.T) {
	kv := newTestKV(t)
	s := NewWorkerStore(kv)

	_, err := s.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStorePutGetExists(t *testing.T) {
	kv := newTestKV(t)
	s := NewTaskStore(kv)
	ctx := context.Background()

	task := &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 10}
	require.NoError(t, s.Put(ctx, task))

	exists, err := s.Exists(ctx, "t1")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.Reward, got.Reward)

	missing, err := s.Exists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, missing)
}

func TestTaskStoreAllReturnsEveryTask(t *testing.T) {
	kv := newTestKV(t)
	s := NewTaskStore(kv)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 1}))
	require.NoError(t, s.Put(ctx, &model.Task{ID: "t2", TemplateID: "tmpl-1", Reward: 2}))

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTemplateStorePutGetExists(t *testing.T) {
	kv := newTestKV(t)
	s := NewTemplateStore(kv)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &model.Template{TemplateID: "tmpl-1", Name: "test"}))

	exists, err := s.Exists(ctx, "tmpl-1")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := s.Get(ctx, "tmpl-1")
	require.NoError(t, err)
	require.Equal(t, "test", got.Name)
}

func TestPaymentStoreListByRecipientSortsByNonce(t *testing.T) {
	kv := newTestKV(t)
	s := NewPaymentStore(kv)
	ctx := context.Background()
	recipient := model.Recipient{0x02}

	require.NoError(t, s.Put(ctx, &model.PaymentRecord{Recipient: recipient, Nonce: 2, Amount: 20}))
	require.NoError(t, s.Put(ctx, &model.PaymentRecord{Recipient: recipient, Nonce: 0, Amount: 10}))
	require.NoError(t, s.Put(ctx, &model.PaymentRecord{Recipient: recipient, Nonce: 1, Amount: 15}))

	records, err := s.ListByRecipient(ctx, recipient)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []uint64{0, 1, 2}, []uint64{records[0].Nonce, records[1].Nonce, records[2].Nonce})
}

func TestPaymentStoreHighestNonce(t *testing.T) {
	kv := newTestKV(t)
	s := NewPaymentStore(kv)
	ctx := context.Background()
	recipient := model.Recipient{0x03}

	_, ok, err := s.HighestNonce(ctx, recipient)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, &model.PaymentRecord{Recipient: recipient, Nonce: 0, Amount: 1}))
	require.NoError(t, s.Put(ctx, &model.PaymentRecord{Recipient: recipient, Nonce: 4, Amount: 1}))

	highest, ok, err := s.HighestNonce(ctx, recipient)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), highest)
}

func TestAccessCodeLifecycle(t *testing.T) {
	kv := newTestKV(t)
	s := NewAccessCodeStore(kv)
	ctx := context.Background()

	valid, err := s.IsValid(ctx, "unknown-code")
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, s.Whitelist(ctx, "code-1"))
	valid, err = s.IsValid(ctx, "code-1")
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, s.Consume(ctx, "code-1"))
	valid, err = s.IsValid(ctx, "code-1")
	require.NoError(t, err)
	require.False(t, valid, "a consumed code must no longer validate")
}
