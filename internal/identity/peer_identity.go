package identity

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

const peerKeyFile = "peer.key"

// PeerKeyStore manages the Manager's own libp2p Ed25519 identity, the key
// transport handshakes verify against to derive the Manager's announced
// peer.ID. This is distinct from the EdDSA/BabyJubJub signing key
// KeyStore manages, which never leaves the payment domain.
type PeerKeyStore struct {
	path   string
	logger *zap.Logger
}

// NewPeerKeyStore creates a keystore rooted at path, defaulting to
// $HOME/.manager/keystore when path is empty, matching KeyStore's layout
// and libs/identity/keystore.go's persistence pattern.
func NewPeerKeyStore(path string, logger *zap.Logger) *PeerKeyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, defaultKeystorePath)
		} else {
			path = defaultKeystorePath
		}
	}
	return &PeerKeyStore{path: path, logger: logger}
}

// LoadOrCreate loads the Manager's persisted libp2p private key, generating
// and saving a fresh Ed25519 key on first run.
func (ks *PeerKeyStore) LoadOrCreate() (crypto.PrivKey, peer.ID, error) {
	if err := os.MkdirAll(ks.path, 0o700); err != nil {
		return nil, "", fmt.Errorf("identity: create keystore dir: %w", err)
	}

	keyPath := filepath.Join(ks.path, peerKeyFile)

	var priv crypto.PrivKey
	if _, err := os.Stat(keyPath); err == nil {
		ks.logger.Info("loading existing peer identity", zap.String("path", keyPath))
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, "", fmt.Errorf("identity: read peer key: %w", err)
		}
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, "", fmt.Errorf("identity: decode peer key: %w", err)
		}
		priv, err = crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("identity: unmarshal peer key: %w", err)
		}
	} else {
		ks.logger.Info("creating new peer identity", zap.String("path", keyPath))
		var err error
		priv, _, err = crypto.GenerateEd25519Key(cryptorand.Reader)
		if err != nil {
			return nil, "", fmt.Errorf("identity: generate peer key: %w", err)
		}
		raw, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, "", fmt.Errorf("identity: marshal peer key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
			return nil, "", fmt.Errorf("identity: write peer key: %w", err)
		}
	}

	peerID, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("identity: derive peer id: %w", err)
	}
	return priv, peerID, nil
}
