// Package secrets encrypts integration credentials at rest.
//
// A Keyring is built once from the process master key and passed to the
// components that store credentials. Each purpose (credential field) gets its
// own AES-256-GCM subkey derived with HKDF-SHA256, and the purpose is bound as
// additional data so a ciphertext cannot be replayed into another field.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

const (
	formatPrefix = "v1:"
	hkdfInfo     = "labbridge/secrets/"
)

// Keyring seals and opens secrets with purpose-scoped subkeys.
type Keyring struct {
	master []byte

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

// NewKeyring returns a keyring for a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, apperr.New(apperr.KindConfig, "ENCRYPTION_KEY_INVALID",
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(master)))
	}
	k := &Keyring{master: make([]byte, KeySize), aeads: make(map[string]cipher.AEAD)}
	copy(k.master, master)
	return k, nil
}

// ParseHexKey builds a keyring from a 64-character hex key.
func ParseHexKey(s string) (*Keyring, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "ENCRYPTION_KEY_INVALID", "encryption key is not hex", err)
	}
	return NewKeyring(raw)
}

// EphemeralKeyring returns a keyring with a random master key. Secrets sealed
// with it cannot be opened after the process exits.
func EphemeralKeyring() (*Keyring, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "ENTROPY_UNAVAILABLE", "generate key", err)
	}
	return NewKeyring(key)
}

func (k *Keyring) aead(purpose string) (cipher.AEAD, error) {
	k.mu.RLock()
	a, ok := k.aeads[purpose]
	k.mu.RUnlock()
	if ok {
		return a, nil
	}

	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.master, nil, []byte(hkdfInfo+purpose)), sub); err != nil {
		return nil, fmt.Errorf("secrets: derive %s key: %w", purpose, err)
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	a, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}

	k.mu.Lock()
	k.aeads[purpose] = a
	k.mu.Unlock()
	return a, nil
}

// Seal encrypts plaintext for purpose. The result is "v1:" followed by the
// base64 of nonce||ciphertext.
func (k *Keyring) Seal(purpose string, plaintext []byte) (string, error) {
	a, err := k.aead(purpose)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := a.Seal(nonce, nonce, plaintext, []byte(purpose))
	return formatPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same purpose.
func (k *Keyring) Open(purpose, sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, formatPrefix) {
		return nil, apperr.New(apperr.KindInternal, "SECRET_MALFORMED", "unknown secret format")
	}
	data, err := base64.StdEncoding.DecodeString(sealed[len(formatPrefix):])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "SECRET_MALFORMED", "base64 decode", err)
	}
	a, err := k.aead(purpose)
	if err != nil {
		return nil, err
	}
	if len(data) < a.NonceSize() {
		return nil, apperr.New(apperr.KindInternal, "SECRET_MALFORMED", "ciphertext too short")
	}
	nonce, ciphertext := data[:a.NonceSize()], data[a.NonceSize():]
	plaintext, err := a.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "SECRET_DECRYPT_FAILED", "decrypt "+purpose, err)
	}
	return plaintext, nil
}

// SealString is Seal for string values. Empty input seals to "".
func (k *Keyring) SealString(purpose, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return k.Seal(purpose, []byte(plaintext))
}

// OpenString is Open for string values. Empty input opens to "".
func (k *Keyring) OpenString(purpose, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	b, err := k.Open(purpose, sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RandomToken returns n random bytes hex encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("secrets: random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
