// Package transport provides the Manager's two external collaborators of
// spec.md §6: a WebSocket peer-to-peer transport and a degenerate
// one-shot HTTP adapter that lets AdminSurface reuse the same
// MessageRouter dispatch path instead of duplicating business logic.
package transport

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// MessageHandler decodes and dispatches one inbound message, returning the
// reply payload to send back. Implemented by internal/router.Router.Handle.
type MessageHandler func(ctx context.Context, senderPeerID peer.ID, messageType string, payload []byte) ([]byte, error)

// ConnectHandler and DisconnectHandler notify WorkerRegistry of transport
// lifecycle events (spec.md §4.1's connect/disconnect).
type ConnectHandler func(peerID peer.ID)
type DisconnectHandler func(peerID peer.ID)

// Transport abstracts bidirectional framed message delivery with verified
// peer identity, kept deliberately minimal since it is explicitly out of
// core scope per spec.md §1.
type Transport interface {
	Send(ctx context.Context, peerID peer.ID, messageType string, payload []byte) error
	OnMessage(handler MessageHandler)
	OnConnect(handler ConnectHandler)
	OnDisconnect(handler DisconnectHandler)
	LocalPeerID() peer.ID
}
