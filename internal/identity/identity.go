// Package identity persists the server's long-lived ed25519 signing
// keypair, the one presented during p2p handshakes and federation
// tunnels, so that a restarted server keeps the same node identity
// instead of minting a new one every process lifetime.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
)

const keyFile = "identity.key"

// LoadOrCreate reads <dir>/identity.key if present, otherwise generates
// a fresh ed25519 keypair and writes it there with 0o600 permissions.
// dir must already exist (it is the resolved porthole state directory).
func LoadOrCreate(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path := filepath.Join(dir, keyFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("identity: %s is corrupt: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return pub, priv, nil
}
