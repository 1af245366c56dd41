package transport

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/model"
)

// frame is the wire envelope every message carries, per spec.md §6:
// "framing carries {messageType, payload} pairs."
type frame struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type handshakeChallenge struct {
	Nonce string `json:"nonce"`
}

type handshakeResponse struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// peerConn is one live WebSocket connection, identified by a verified
// Ed25519 public key. Mirrors the Hub/Client split of
// libs/websocket/hub.go, generalized from per-user identity to per-peer
// identity.
type peerConn struct {
	peerID peer.ID
	conn   *websocket.Conn
	send   chan frame
	cancel context.CancelFunc

	// closeMu guards closed/send together so a send can never race
	// disconnect's close(send): both trySend and closeSend take closeMu
	// before touching the channel, instead of relying on the transport's
	// RWMutex, which only protects the peers map, not pc.send itself.
	closeMu sync.Mutex
	closed  bool
}

// trySend enqueues f unless the connection has already been closed, or the
// send buffer is full. Returns false in both cases.
func (pc *peerConn) trySend(f frame) bool {
	pc.closeMu.Lock()
	defer pc.closeMu.Unlock()
	if pc.closed {
		return false
	}
	select {
	case pc.send <- f:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, safe to call concurrently
// with trySend.
func (pc *peerConn) closeSend() {
	pc.closeMu.Lock()
	defer pc.closeMu.Unlock()
	if pc.closed {
		return
	}
	pc.closed = true
	close(pc.send)
}

// WSTransport is a WebSocket server implementing Transport. Identity is
// established by a minimal Ed25519 challenge/response handshake over
// libp2p/core/crypto — deliberately lightweight since cryptographic peer
// identity is explicitly out of core scope (spec.md §1); it exists only so
// Send/OnMessage have a verified peer.ID to key off of.
type WSTransport struct {
	localPeerID peer.ID

	mu    sync.RWMutex
	peers map[peer.ID]*peerConn

	onMessage    MessageHandler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler

	upgrader websocket.Upgrader
	server   *http.Server
	logger   *zap.Logger
}

// NewWSTransport creates a WebSocket transport bound to localPeerID (the
// Manager's own announced identity).
func NewWSTransport(localPeerID peer.ID, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		localPeerID: localPeerID,
		peers:       make(map[peer.ID]*peerConn),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:      logger,
	}
}

func (t *WSTransport) LocalPeerID() peer.ID { return t.localPeerID }

func (t *WSTransport) OnMessage(handler MessageHandler)       { t.onMessage = handler }
func (t *WSTransport) OnConnect(handler ConnectHandler)       { t.onConnect = handler }
func (t *WSTransport) OnDisconnect(handler DisconnectHandler) { t.onDisconnect = handler }

// Start listens on addr (e.g. ":19955") and serves the p2p WebSocket
// endpoint until ctx is cancelled.
func (t *WSTransport) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", t.serveWS)
	t.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
		t.logger.Info("websocket transport listening", zap.String("addr", addr))
		return nil
	}
}

func (t *WSTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("transport: upgrade failed", zap.Error(err))
		return
	}

	peerID, err := t.handshake(conn)
	if err != nil {
		t.logger.Warn("transport: handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pc := &peerConn{
		peerID: peerID,
		conn:   conn,
		send:   make(chan frame, 32),
		cancel: cancel,
	}

	t.mu.Lock()
	t.peers[peerID] = pc
	t.mu.Unlock()

	if t.onConnect != nil {
		t.onConnect(peerID)
	}

	go t.writePump(pc)
	t.readPump(ctx, pc)
}

// handshake verifies the connecting peer owns the Ed25519 key it claims,
// per SPEC_FULL.md §5.7: server issues a nonce, client signs it, server
// verifies and derives the peer.ID from the public key.
func (t *WSTransport) handshake(conn *websocket.Conn) (peer.ID, error) {
	nonce := make([]byte, 32)
	if _, err := cryptorand.Read(nonce); err != nil {
		return "", fmt.Errorf("transport: generate nonce: %w", err)
	}
	challenge := frame{MessageType: "handshakeChallenge"}
	challenge.Payload, _ = json.Marshal(handshakeChallenge{Nonce: hex.EncodeToString(nonce)})
	if err := conn.WriteJSON(challenge); err != nil {
		return "", fmt.Errorf("transport: send challenge: %w", err)
	}

	var resp frame
	if err := conn.ReadJSON(&resp); err != nil {
		return "", fmt.Errorf("transport: read handshake response: %w", err)
	}
	var hr handshakeResponse
	if err := json.Unmarshal(resp.Payload, &hr); err != nil {
		return "", fmt.Errorf("transport: decode handshake response: %w", err)
	}

	pubKeyBytes, err := hex.DecodeString(hr.PublicKey)
	if err != nil {
		return "", fmt.Errorf("transport: decode public key: %w", err)
	}
	sig, err := hex.DecodeString(hr.Signature)
	if err != nil {
		return "", fmt.Errorf("transport: decode signature: %w", err)
	}

	pubKey, err := crypto.UnmarshalEd25519PublicKey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("transport: unmarshal public key: %w", err)
	}
	ok, err := pubKey.Verify(nonce, sig)
	if err != nil || !ok {
		return "", fmt.Errorf("transport: signature verification failed")
	}

	return peer.IDFromPublicKey(pubKey)
}

func (t *WSTransport) readPump(ctx context.Context, pc *peerConn) {
	defer t.disconnect(pc)

	conn := pc.conn
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("transport: unexpected close", zap.String("peer_id", pc.peerID.String()), zap.Error(err))
			}
			return
		}

		if t.onMessage == nil {
			continue
		}
		reply, err := t.onMessage(ctx, pc.peerID, f.MessageType, f.Payload)
		out := frame{MessageType: f.MessageType}
		if err != nil {
			out.Error = errorMessage(err)
		} else {
			out.Payload = reply
		}
		if !pc.trySend(out) {
			t.logger.Warn("transport: reply dropped (disconnected or send buffer full)", zap.String("peer_id", pc.peerID.String()))
		}
	}
}

func (t *WSTransport) writePump(pc *peerConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		pc.conn.Close()
	}()

	for {
		select {
		case f, ok := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := pc.conn.WriteJSON(f); err != nil {
				t.logger.Warn("transport: write failed", zap.String("peer_id", pc.peerID.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) disconnect(pc *peerConn) {
	t.mu.Lock()
	if existing, ok := t.peers[pc.peerID]; ok && existing == pc {
		delete(t.peers, pc.peerID)
	}
	t.mu.Unlock()

	pc.cancel()
	pc.closeSend()

	if t.onDisconnect != nil {
		t.onDisconnect(pc.peerID)
	}
}

// Send delivers a message to a connected peer. Returns a TransportError if
// the peer is not currently connected.
func (t *WSTransport) Send(ctx context.Context, peerID peer.ID, messageType string, payload []byte) error {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return model.New(model.KindTransportError, "transport: peer not connected")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !pc.trySend(frame{MessageType: messageType, Payload: payload}) {
		return model.New(model.KindTransportError, "transport: peer disconnected or send buffer full")
	}
	return nil
}

// Close shuts down the listening server and every open connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	for _, pc := range t.peers {
		pc.conn.Close()
	}
	t.peers = make(map[peer.ID]*peerConn)
	t.mu.Unlock()

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func errorMessage(err error) string {
	if me, ok := err.(*model.Error); ok {
		return string(me.Kind) + ": " + me.Message
	}
	return err.Error()
}
