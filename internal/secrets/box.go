// Package secrets provides the encryption-at-rest primitive used by the
// agent registry and the audit log. Every ciphertext carries a one-byte
// key version so the on-disk format survives a future key rotation
// scheme; today exactly one version is active.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// keyVersion is the single active key version.
const keyVersion byte = 1

// argon2id parameters for passphrase-derived keys.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// kdfSalt is a fixed application salt: the passphrase path exists for
// single-user desktop installs where the key file is the primary
// mechanism, not a password database.
var kdfSalt = []byte("castellan/secrets/v1")

var (
	// ErrCiphertextTooShort indicates a truncated or empty record.
	ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")
	// ErrUnknownKeyVersion indicates a record sealed by a key version
	// this build does not know.
	ErrUnknownKeyVersion = errors.New("secrets: unknown key version")
)

// Box seals and opens byte slices with ChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox creates a box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Box{key: k}, nil
}

// NewBoxFromPassphrase derives a key from a passphrase with argon2id.
func NewBoxFromPassphrase(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: empty passphrase")
	}
	key := argon2.IDKey([]byte(passphrase), kdfSalt, kdfTime, kdfMemory, kdfThreads, KeySize)
	return NewBox(key)
}

// LoadOrCreateKey reads the raw key file at path, generating and writing
// a fresh random key (mode 0600) when none exists yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("secrets: key file %s has %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("secrets: create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. Layout: version byte, nonce, ciphertext+tag.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, keyVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a record produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}

	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	if sealed[0] != keyVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, sealed[0])
	}

	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plaintext, nil
}
