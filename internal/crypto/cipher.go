// Package crypto implements the symmetric cipher protecting static account
// secrets at rest. AES-256-GCM under a single server-held master key; the
// wire format is base64(nonce || ciphertext). The master key lives only in
// memory and must never appear in logs or error messages.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// ErrDecryptionFailed is returned when a ciphertext cannot be decrypted:
// wrong key, corrupted blob, or malformed encoding. Non-retryable — callers
// must treat it as a configuration or data-integrity incident, never fall
// back to a default credential.
var ErrDecryptionFailed = errors.New("credential decryption failed")

// Cipher encrypts and decrypts account secrets. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte master key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromEncodedKey creates a Cipher from a base64-encoded master key,
// the form in which the key is stored in the external secret manager.
func NewCipherFromEncodedKey(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64")
	}
	return NewCipher(key)
}

// GenerateKey returns a fresh random master key, base64-encoded for storage
// in a secret manager. Used by the ops tooling, never at request time.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure — bad encoding,
// truncated blob, wrong key — is reported as ErrDecryptionFailed without
// detail that could leak key or ciphertext structure.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryptionFailed)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+1 {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptionFailed)
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
