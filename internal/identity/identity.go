// Package identity provides the Ed25519 node keypair used to sign
// transfer-session completion receipts (SPEC_FULL.md's supplemented
// operator-verifiable-receipt feature; spec.md itself leaves signing
// mechanism unspecified).
//
// Grounded on internal/crypto/keypair.go's GenerateKeyPair/LoadKeyPair
// shape, trimmed to the one concern the replication core actually needs:
// a stable per-node signing identity, not session handshake or AEAD.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
)

const pemBlockType = "ARTIFACT KEEPER NODE PRIVATE KEY"

// KeyPair is a node's long-lived Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Fingerprint returns the hex-encoded public key, used as the node's
// identity in signed receipts.
func (k *KeyPair) Fingerprint() string {
	return hex.EncodeToString(k.Public)
}

// Save persists the private key as a PEM file at path, mode 0600.
func (k *KeyPair) Save(path string) error {
	block := &pem.Block{Type: pemBlockType, Bytes: k.Private}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("identity: open %q: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("identity: encode %q: %w", path, err)
	}
	return nil
}

// Load reads a previously saved keypair from path.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("identity: %q is not a valid node key PEM", path)
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: %q contains a malformed private key", path)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// LoadOrGenerate loads the keypair at path, generating and persisting one
// if it does not yet exist — the daemon's usual startup path.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}
