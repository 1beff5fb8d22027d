package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidPassphrase is returned by LoadEncrypted when the supplied
// passphrase cannot decrypt the keystore file (wrong passphrase, or the
// file was corrupted).
var ErrInvalidPassphrase = errors.New("identity: invalid passphrase or corrupted keystore")

const (
	encryptedVersion = 1
	argon2Time       = 3
	argon2Memory     = 64 * 1024
	argon2Threads    = 4
	argon2KeyLen     = 32
	saltSize         = 32
	nonceSize        = 12
)

// encryptedEntry is the on-disk JSON layout of a passphrase-protected node
// identity key, grounded on the teacher's keystore file format: Argon2id
// key derivation followed by AES-256-GCM sealing.
type encryptedEntry struct {
	Version int    `json:"version"`
	KDF     string `json:"kdf"`
	Time    uint32 `json:"argon2_time"`
	Memory  uint32 `json:"argon2_memory"`
	Threads uint8  `json:"argon2_threads"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Cipher  []byte `json:"ciphertext"`
}

// SaveEncrypted writes k's private key to path, sealed under a key derived
// from passphrase via Argon2id. An empty passphrase is rejected — operators
// wanting no encryption should use Save instead, which makes the tradeoff
// explicit by omission rather than by a silently-empty secret.
func (k *KeyPair) SaveEncrypted(path, passphrase string) error {
	if passphrase == "" {
		return errors.New("identity: passphrase must not be empty, use Save for an unencrypted key")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("identity: generate nonce: %w", err)
	}

	key := deriveKey(passphrase, salt)
	ciphertext, err := seal(key, nonce, k.Private)
	if err != nil {
		return fmt.Errorf("identity: seal key: %w", err)
	}

	entry := encryptedEntry{
		Version: encryptedVersion,
		KDF:     "argon2id",
		Time:    argon2Time,
		Memory:  argon2Memory,
		Threads: argon2Threads,
		Salt:    salt,
		Nonce:   nonce,
		Cipher:  ciphertext,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keystore entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %q: %w", path, err)
	}
	return nil
}

// LoadEncrypted reads and decrypts a keypair previously written by
// SaveEncrypted.
func LoadEncrypted(path, passphrase string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %q: %w", path, err)
	}
	var entry encryptedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("identity: unmarshal %q: %w", path, err)
	}
	if entry.Version != encryptedVersion {
		return nil, fmt.Errorf("identity: unsupported keystore version %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("identity: unsupported KDF %q", entry.KDF)
	}

	key := argon2.IDKey([]byte(passphrase), entry.Salt, entry.Time, entry.Memory, entry.Threads, argon2KeyLen)
	plain, err := open(key, entry.Nonce, entry.Cipher)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: decrypted key has invalid size")
	}
	priv := ed25519.PrivateKey(plain)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("identity: decrypted key is malformed")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func seal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
