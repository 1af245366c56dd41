// Package router implements the MessageRouter subsystem: it decodes typed
// messages arriving from a Transport, dispatches them into the right core
// subsystem operation, and encodes the reply. It is grounded on
// reference-runtime-v1/internal/market.MessageBus's minimal
// Subscribe/Publish interface shape, generalized here into a synchronous
// request/response dispatcher since every message in spec.md §4.5 expects
// a reply (even if only an acknowledgement).
package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/payment"
	"github.com/soitun/effectai-engine/internal/store"
	"github.com/soitun/effectai-engine/internal/task"
	"github.com/soitun/effectai-engine/internal/worker"
)

// Message type names, per spec.md §4.5.
const (
	MsgIdentifyRequest  = "identifyRequest"
	MsgRequestToWork    = "requestToWork"
	MsgTask             = "task"
	MsgTaskAccepted     = "taskAccepted"
	MsgTaskCompleted    = "taskCompleted"
	MsgTaskRejected     = "taskRejected"
	MsgProofRequest     = "proofRequest"
	MsgBulkProofRequest = "bulkProofRequest"
	MsgPayoutRequest    = "payoutRequest"
	MsgTemplateRequest  = "templateRequest"
	MsgOffer            = "offer"
)

// Sender delivers an outbound message to a peer over whatever transport is
// wired in. Implemented by internal/transport.
type Sender interface {
	Send(ctx context.Context, peerID peer.ID, messageType string, payload []byte) error
}

// Identity describes the Manager's own identity, surfaced through
// identifyRequest.
type Identity struct {
	PeerID             peer.ID
	ProtocolVersion    string
	RequireAccessCodes bool
	PublicKey          []byte
}

// Router dispatches decoded messages into WorkerRegistry, TaskEngine, and
// PaymentLedger. It never holds subsystem internals directly — only the
// public operations spec.md §4 exposes.
type Router struct {
	identity  Identity
	registry  *worker.Registry
	engine    *task.Engine
	ledger    *payment.Ledger
	templates *store.TemplateStore
	logger    *zap.Logger
}

// New creates a Router.
func New(identity Identity, registry *worker.Registry, engine *task.Engine, ledger *payment.Ledger, templates *store.TemplateStore, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		identity:  identity,
		registry:  registry,
		engine:    engine,
		ledger:    ledger,
		templates: templates,
		logger:    logger,
	}
}

// SendOffer implements task.OfferSender by routing through the injected
// Sender, so TaskEngine never depends on Router or Transport directly.
type offerSender struct {
	sender Sender
}

// NewOfferSender adapts a Sender into a task.OfferSender for wiring into
// task.New.
func NewOfferSender(sender Sender) task.OfferSender {
	return &offerSender{sender: sender}
}

func (s *offerSender) SendOffer(ctx context.Context, workerPeerID peer.ID, t *model.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("router: marshal offer: %w", err)
	}
	return s.sender.Send(ctx, workerPeerID, MsgOffer, payload)
}

var tracer = otel.Tracer("github.com/soitun/effectai-engine/internal/router")

// Handle decodes and dispatches one inbound message from senderPeerID,
// returning the reply payload to send back.
func (r *Router) Handle(ctx context.Context, senderPeerID peer.ID, messageType string, payload []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "router.Handle",
		trace.WithAttributes(
			attribute.String("message_type", messageType),
			attribute.String("sender_peer_id", senderPeerID.String()),
		))
	defer span.End()

	reply, err := r.dispatch(ctx, senderPeerID, messageType, payload)
	if err != nil {
		span.RecordError(err)
	}
	return reply, err
}

func (r *Router) dispatch(ctx context.Context, senderPeerID peer.ID, messageType string, payload []byte) ([]byte, error) {
	switch messageType {
	case MsgIdentifyRequest:
		return r.handleIdentifyRequest(senderPeerID)
	case MsgRequestToWork:
		return r.handleRequestToWork(ctx, senderPeerID, payload)
	case MsgTask:
		return r.handleTask(ctx, senderPeerID, payload)
	case MsgTaskAccepted:
		return r.handleTaskAccepted(ctx, senderPeerID, payload)
	case MsgTaskRejected:
		return r.handleTaskRejected(ctx, senderPeerID, payload)
	case MsgTaskCompleted:
		return r.handleTaskCompleted(ctx, senderPeerID, payload)
	case MsgProofRequest:
		return r.handleProofRequest(ctx, senderPeerID, payload)
	case MsgBulkProofRequest:
		return r.handleBulkProofRequest(ctx, senderPeerID, payload)
	case MsgPayoutRequest:
		return r.handlePayoutRequest(ctx, senderPeerID, payload)
	case MsgTemplateRequest:
		return r.handleTemplateRequest(ctx, payload)
	default:
		return nil, model.New(model.KindInvalidArgument, "router: unknown message type "+messageType)
	}
}

type identifyReply struct {
	PeerID             string `json:"peerId"`
	ProtocolVersion    string `json:"protocolVersion"`
	RequireAccessCodes bool   `json:"requireAccessCodes"`
	AlreadyRegistered  bool   `json:"alreadyRegistered"`
	PublicKey          string `json:"publicKey"`
}

func (r *Router) handleIdentifyRequest(senderPeerID peer.ID) ([]byte, error) {
	w := r.registry.GetWorker(senderPeerID)
	return json.Marshal(identifyReply{
		PeerID:             r.identity.PeerID.String(),
		ProtocolVersion:    r.identity.ProtocolVersion,
		RequireAccessCodes: r.identity.RequireAccessCodes,
		AlreadyRegistered:  w != nil,
		PublicKey:          hex.EncodeToString(r.identity.PublicKey),
	})
}

type requestToWorkPayload struct {
	Recipient  string `json:"recipient"`
	Nonce      uint64 `json:"nonce"`
	AccessCode string `json:"accessCode,omitempty"`
}

func (r *Router) handleRequestToWork(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var req requestToWorkPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode requestToWork")
	}
	recipient, err := model.ParseRecipient(req.Recipient)
	if err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: invalid recipient")
	}
	if err := r.registry.Onboard(ctx, senderPeerID, recipient, req.Nonce, req.AccessCode); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}

type taskPayload struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId"`
	Title      string `json:"title"`
	Reward     uint64 `json:"reward"`
	Payload    string `json:"payload,omitempty"`
}

func (r *Router) handleTask(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var tp taskPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode task")
	}
	t := &model.Task{
		ID:         tp.ID,
		TemplateID: tp.TemplateID,
		Title:      tp.Title,
		Reward:     tp.Reward,
		Payload:    tp.Payload,
	}
	if err := r.engine.CreateTask(ctx, t, senderPeerID); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID string `json:"id"`
	}{ID: t.ID})
}

type taskIDPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
	Result string `json:"result,omitempty"`
}

func (r *Router) handleTaskAccepted(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var p taskIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode taskAccepted")
	}
	if err := r.engine.ProcessTaskAcceptance(ctx, p.TaskID, senderPeerID); err != nil {
		return nil, err
	}
	return ackReply()
}

func (r *Router) handleTaskRejected(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var p taskIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode taskRejected")
	}
	if err := r.engine.ProcessTaskRejection(ctx, p.TaskID, senderPeerID, p.Reason); err != nil {
		return nil, err
	}
	return ackReply()
}

func (r *Router) handleTaskCompleted(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var p taskIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode taskCompleted")
	}
	if err := r.engine.ProcessTaskSubmission(ctx, p.TaskID, senderPeerID, p.Result); err != nil {
		return nil, err
	}
	return ackReply()
}

type proofRequestPayload struct {
	Recipient string                `json:"recipient"`
	Payments  []model.PaymentRecord `json:"payments"`
}

// handleProofRequest enforces spec.md §4.5's binding rule: a proofRequest
// whose declared recipient does not match the transport-verified sender is
// rejected before it ever reaches PaymentLedger.
func (r *Router) handleProofRequest(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var req proofRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode proofRequest")
	}
	recipient, err := model.ParseRecipient(req.Recipient)
	if err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: invalid recipient")
	}
	if err := r.requireSenderOwnsRecipient(senderPeerID, recipient); err != nil {
		return nil, err
	}

	auth, err := r.ledger.ProcessProofRequest(ctx, recipient, req.Payments)
	if err != nil {
		return nil, err
	}
	return json.Marshal(auth)
}

type bulkProofRequestPayload struct {
	Recipient string                  `json:"recipient"`
	Proofs    []model.ProofSubmission `json:"proofs"`
}

func (r *Router) handleBulkProofRequest(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	var req bulkProofRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode bulkProofRequest")
	}
	recipient, err := model.ParseRecipient(req.Recipient)
	if err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: invalid recipient")
	}
	if err := r.requireSenderOwnsRecipient(senderPeerID, recipient); err != nil {
		return nil, err
	}

	auth, err := r.ledger.BulkPaymentProofs(ctx, recipient, req.Proofs)
	if err != nil {
		if r.ledger.ExceedsFailureThreshold(recipient) {
			r.registry.Disconnect(senderPeerID)
			r.logger.Warn("router: worker disconnected for exceeding proof-failure threshold",
				zap.String("peer_id", senderPeerID.String()))
		}
		return nil, err
	}
	return json.Marshal(auth)
}

func (r *Router) handlePayoutRequest(ctx context.Context, senderPeerID peer.ID, payload []byte) ([]byte, error) {
	w := r.registry.GetWorker(senderPeerID)
	if w == nil {
		return nil, model.ErrNotFound
	}
	rec, err := r.ledger.ProcessPayoutRequest(ctx, w.Recipient)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

type templateRequestPayload struct {
	TemplateID string `json:"templateId"`
}

func (r *Router) handleTemplateRequest(ctx context.Context, payload []byte) ([]byte, error) {
	var req templateRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, model.New(model.KindInvalidArgument, "router: decode templateRequest")
	}
	tmpl, err := r.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tmpl)
}

// requireSenderOwnsRecipient enforces that a message carrying an explicit
// recipient field was sent by the worker that declared that recipient at
// onboarding, per spec.md §4.5 and §9's "FIX:: temp check" resolution
// (spec conservatively requires strict equality).
func (r *Router) requireSenderOwnsRecipient(senderPeerID peer.ID, recipient model.Recipient) error {
	w := r.registry.GetWorker(senderPeerID)
	if w == nil || w.Recipient != recipient {
		return model.ErrForbiddenRecipient
	}
	return nil
}

func ackReply() ([]byte, error) {
	return json.Marshal(struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}
