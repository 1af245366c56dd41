package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/control"
	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/identity"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/payment"
	"github.com/soitun/effectai-engine/internal/router"
	"github.com/soitun/effectai-engine/internal/store"
	"github.com/soitun/effectai-engine/internal/task"
	"github.com/soitun/effectai-engine/internal/transport"
	"github.com/soitun/effectai-engine/internal/worker"
)

type noopOfferSender struct{}

func (noopOfferSender) SendOffer(ctx context.Context, workerPeerID peer.ID, t *model.Task) error {
	return nil
}

func newTestSurface(t *testing.T, jwtSecret string) *Surface {
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
		store.NewTaskStore(kv), store.NewTemplateStore(kv), registry, ledger, bus, noopOfferSender{}, zap.NewNop())

	templates := store.NewTemplateStore(kv)
	require.NoError(t, templates.Put(context.Background(), &model.Template{TemplateID: "tmpl-1", Name: "test"}))

	localPeerID := newAdminTestPeer(t)
	rtr := router.New(router.Identity{PeerID: localPeerID, ProtocolVersion: "manager/1", PublicKey: ledger.PublicKey()},
		registry, engine, ledger, templates, zap.NewNop())

	loop := control.New(control.Config{TickInterval: time.Hour}, engine, bus, zap.NewNop())

	httpTransport := transport.NewHTTPTransport(localPeerID)
	httpTransport.OnMessage(rtr.Handle)

	return New(Config{
		PeerID:    localPeerID,
		Version:   "test",
		JWTSecret: jwtSecret,
	}, engine, registry, loop, httpTransport, zap.NewNop())
}

func newAdminTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestHandleIndexReturnsManagerStatus(t *testing.T) {
	s := newTestSurface(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp indexResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "test", resp.Version)
}

func TestHandleCreateTaskForwardsThroughRouter(t *testing.T) {
	s := newTestSurface(t, "secret")
	body, err := json.Marshal(map[string]any{"id": "t1", "templateId": "tmpl-1", "title": "x", "reward": 10})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/task", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"t1"}`, rec.Body.String())
	require.NotNil(t, s.engine.GetTask("t1"))
}

func TestHandleRegisterTemplateStoresTemplate(t *testing.T) {
	s := newTestSurface(t, "secret")
	provider := newAdminTestPeer(t)
	body, err := json.Marshal(templateRegisterRequest{
		Template:          model.Template{TemplateID: "tmpl-2", Name: "new template"},
		ProviderPeerIDStr: provider.String(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/template/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTasksByTemplateListsCreatedTasks(t *testing.T) {
	s := newTestSurface(t, "secret")
	require.NoError(t, s.engine.CreateTask(context.Background(),
		&model.Task{ID: "t1", TemplateID: "tmpl-1", Title: "x", Reward: 5}, newAdminTestPeer(t)))

	req := httptest.NewRequest(http.MethodGet, "/tasks/tmpl-1", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []taskSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "t1", summaries[0].TaskID)
}

func TestAdminPauseRequiresValidJWT(t *testing.T) {
	s := newTestSurface(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPauseAndResumeWithValidJWT(t *testing.T) {
	s := newTestSurface(t, "secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	pauseReq := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	pauseReq.Header.Set("Authorization", "Bearer "+signed)
	pauseRec := httptest.NewRecorder()
	s.Router().ServeHTTP(pauseRec, pauseReq)
	require.Equal(t, http.StatusOK, pauseRec.Code)

	resumeReq := httptest.NewRequest(http.MethodPost, "/admin/resume", nil)
	resumeReq.Header.Set("Authorization", "Bearer "+signed)
	resumeRec := httptest.NewRecorder()
	s.Router().ServeHTTP(resumeRec, resumeReq)
	require.Equal(t, http.StatusOK, resumeRec.Code)
}
