package router

import (
	"context"
	"encoding/json"
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

type recordingSender struct {
	sent map[peer.ID][]byte
}

func (s *recordingSender) Send(ctx context.Context, peerID peer.ID, messageType string, payload []byte) error {
	if s.sent == nil {
		s.sent = make(map[peer.ID][]byte)
	}
	s.sent[peerID] = payload
	return nil
}

type routerHarness struct {
	router   *Router
	registry *worker.Registry
	engine   *task.Engine
	ledger   *payment.Ledger
}

func newRouterHarness(t *testing.T) *routerHarness {
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

	sender := &recordingSender{}
	engine := task.New(task.Config{AcceptanceTimeout: time.Minute, RejectionCooldown: time.Minute},
		store.NewTaskStore(kv), store.NewTemplateStore(kv), registry, ledger, bus, NewOfferSender(sender), zap.NewNop())

	templates := store.NewTemplateStore(kv)
	require.NoError(t, templates.Put(context.Background(), &model.Template{TemplateID: "tmpl-1", Name: "test"}))

	localPeer := newRouterTestPeer(t)
	rtr := New(Identity{PeerID: localPeer, ProtocolVersion: "manager/1", PublicKey: ledger.PublicKey()},
		registry, engine, ledger, templates, zap.NewNop())

	return &routerHarness{router: rtr, registry: registry, engine: engine, ledger: ledger}
}

func newRouterTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestHandleUnknownMessageType(t *testing.T) {
	h := newRouterHarness(t)
	_, err := h.router.Handle(context.Background(), newRouterTestPeer(t), "bogus", nil)
	require.Error(t, err)
	require.Equal(t, model.KindInvalidArgument, model.KindOf(err))
}

func TestHandleIdentifyRequest(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := h.router.Handle(context.Background(), newRouterTestPeer(t), MsgIdentifyRequest, nil)
	require.NoError(t, err)

	var reply identifyReply
	require.NoError(t, json.Unmarshal(resp, &reply))
	require.Equal(t, "manager/1", reply.ProtocolVersion)
	require.False(t, reply.AlreadyRegistered)
}

func TestHandleRequestToWorkOnboardsWorker(t *testing.T) {
	h := newRouterHarness(t)
	w := newRouterTestPeer(t)
	recipient := model.Recipient{0x01}

	payload, err := json.Marshal(requestToWorkPayload{Recipient: recipient.String(), Nonce: 1})
	require.NoError(t, err)

	resp, err := h.router.Handle(context.Background(), w, MsgRequestToWork, payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp))
	require.NotNil(t, h.registry.GetWorker(w))
}

func TestHandleTaskCreatesTask(t *testing.T) {
	h := newRouterHarness(t)
	provider := newRouterTestPeer(t)

	payload, err := json.Marshal(taskPayload{ID: "t1", TemplateID: "tmpl-1", Title: "do work", Reward: 10})
	require.NoError(t, err)

	resp, err := h.router.Handle(context.Background(), provider, MsgTask, payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"t1"}`, string(resp))
	require.NotNil(t, h.engine.GetTask("t1"))
}

func TestHandleTaskAcceptedAndCompletedFullFlow(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	provider := newRouterTestPeer(t)
	w := newRouterTestPeer(t)

	require.NoError(t, h.registry.Onboard(ctx, w, model.Recipient{0x02}, 1, ""))
	require.NoError(t, h.engine.CreateTask(ctx, &model.Task{ID: "t1", TemplateID: "tmpl-1", Reward: 10}, provider))
	h.engine.DispatchStep(ctx)
	require.Equal(t, model.TaskOffered, h.engine.GetTask("t1").State)

	acceptPayload, err := json.Marshal(taskIDPayload{TaskID: "t1"})
	require.NoError(t, err)
	_, err = h.router.Handle(ctx, w, MsgTaskAccepted, acceptPayload)
	require.NoError(t, err)
	require.Equal(t, model.TaskAccepted, h.engine.GetTask("t1").State)

	completePayload, err := json.Marshal(taskIDPayload{TaskID: "t1", Result: "done"})
	require.NoError(t, err)
	_, err = h.router.Handle(ctx, w, MsgTaskCompleted, completePayload)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, h.engine.GetTask("t1").State)
}

func TestHandleProofRequestRejectsMismatchedRecipient(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	w := newRouterTestPeer(t)
	declared := model.Recipient{0x03}
	other := model.Recipient{0x04}

	require.NoError(t, h.registry.Onboard(ctx, w, declared, 1, ""))

	payload, err := json.Marshal(proofRequestPayload{Recipient: other.String()})
	require.NoError(t, err)

	_, err = h.router.Handle(ctx, w, MsgProofRequest, payload)
	require.ErrorIs(t, err, model.ErrForbiddenRecipient)
}

func TestHandleProofRequestAcceptsOwnRecipient(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	w := newRouterTestPeer(t)
	recipient := model.Recipient{0x05}

	require.NoError(t, h.registry.Onboard(ctx, w, recipient, 1, ""))
	rec, err := h.ledger.Accrue(ctx, recipient, 10)
	require.NoError(t, err)

	payload, err := json.Marshal(proofRequestPayload{Recipient: recipient.String(), Payments: []model.PaymentRecord{*rec}})
	require.NoError(t, err)

	resp, err := h.router.Handle(ctx, w, MsgProofRequest, payload)
	require.NoError(t, err)

	var auth model.SignedAuthorization
	require.NoError(t, json.Unmarshal(resp, &auth))
	require.Equal(t, uint64(10), auth.Amount)
}

func TestHandleTemplateRequestReturnsStoredTemplate(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := h.router.Handle(context.Background(), newRouterTestPeer(t), MsgTemplateRequest,
		[]byte(`{"templateId":"tmpl-1"}`))
	require.NoError(t, err)

	var tmpl model.Template
	require.NoError(t, json.Unmarshal(resp, &tmpl))
	require.Equal(t, "tmpl-1", tmpl.TemplateID)
}

func TestOfferSenderEncodesTaskAsOfferMessage(t *testing.T) {
	sender := &recordingSender{}
	offerSender := NewOfferSender(sender)
	w := newRouterTestPeer(t)

	require.NoError(t, offerSender.SendOffer(context.Background(), w, &model.Task{ID: "t1", Reward: 5}))

	raw, ok := sender.sent[w]
	require.True(t, ok)
	var got model.Task
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "t1", got.ID)
}
