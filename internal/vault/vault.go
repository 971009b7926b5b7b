// Package vault encrypts terminal passwords at rest using a locally
// generated symmetric key. Plaintext exists only in memory, immediately
// before a connection attempt; the registry persists ciphertext only.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrVaultUnavailable indicates the key file is missing, unreadable, or
// corrupted. It is fatal at orchestrator startup: continuing would either
// fail every connect or silently run with an insecure fallback.
var ErrVaultUnavailable = errors.New("vault unavailable")

// ErrInvalidCiphertext indicates a ciphertext that cannot be authenticated
// with the current key (truncated, tampered with, or from a different key).
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Vault performs authenticated encryption of credential strings with a
// ChaCha20-Poly1305 key loaded once at startup. Encrypt and Decrypt are
// stateless and safe for concurrent use.
type Vault struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New loads the key file at keyPath, generating a fresh key with 0600
// permissions when the file does not exist yet. A present-but-invalid key
// file is never overwritten; it returns ErrVaultUnavailable instead so the
// operator can decide what to do with the old ciphertexts.
func New(keyPath string) (*Vault, error) {
	key, err := os.ReadFile(keyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		key, err = generateKey(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: generating key: %v", ErrVaultUnavailable, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: reading key file: %v", ErrVaultUnavailable, err)
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key file %s has %d bytes, want %d",
			ErrVaultUnavailable, keyPath, len(key), chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	return &Vault{aead: aead}, nil
}

// generateKey creates a new random key and persists it read-only for the
// owning user.
func generateKey(keyPath string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals the plaintext with a random nonce and returns
// base64(nonce || ciphertext), suitable for embedding in the JSON registry.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The plaintext result must never be persisted or
// logged by callers.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}
