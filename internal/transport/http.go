package transport

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/soitun/effectai-engine/internal/model"
)

// HTTPTransport is a degenerate one-shot Transport: it has no live peer
// connections and never receives inbound messages on its own. AdminSurface
// calls Dispatch directly per request so `POST /task` reuses
// MessageRouter's dispatch path instead of duplicating the validation and
// subsystem wiring it already does for the p2p surface. `POST
// /template/register` does not go through it: AdminSurface calls
// TaskEngine.RegisterTemplate directly for that route.
type HTTPTransport struct {
	localPeerID peer.ID
	onMessage   MessageHandler
}

// NewHTTPTransport creates an HTTP-backed adapter identified as callerPeerID
// when forwarding admin-originated requests into the router (admin requests
// have no real peer.ID of their own, since they never did a p2p handshake).
func NewHTTPTransport(callerPeerID peer.ID) *HTTPTransport {
	return &HTTPTransport{localPeerID: callerPeerID}
}

func (t *HTTPTransport) LocalPeerID() peer.ID { return t.localPeerID }

func (t *HTTPTransport) OnMessage(handler MessageHandler) { t.onMessage = handler }

// OnConnect and OnDisconnect are no-ops: there is no connection lifecycle
// over a one-shot HTTP request.
func (t *HTTPTransport) OnConnect(ConnectHandler)       {}
func (t *HTTPTransport) OnDisconnect(DisconnectHandler) {}

// Send has no live connection to deliver over; admin requests get their
// answer as the Dispatch return value instead, so Send always fails.
func (t *HTTPTransport) Send(ctx context.Context, peerID peer.ID, messageType string, payload []byte) error {
	return model.New(model.KindTransportError, "http transport: no outbound peer connection")
}

// Dispatch runs one admin-originated request through the same handler a p2p
// message would hit, attributing it to callerPeerID so router identity
// checks (e.g. requireSenderOwnsRecipient) still apply to admin callers.
func (t *HTTPTransport) Dispatch(ctx context.Context, callerPeerID peer.ID, messageType string, payload []byte) ([]byte, error) {
	if t.onMessage == nil {
		return nil, model.New(model.KindTransportError, "http transport: no handler registered")
	}
	return t.onMessage(ctx, callerPeerID, messageType, payload)
}
