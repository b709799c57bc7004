// Package vault encrypts individual cache fields at rest.
//
// A 32-byte key is derived once from the owner's master secret with scrypt
// and a fixed salt. Each Seal call uses AES-256-GCM with a fresh random
// nonce, so equal plaintexts never share a ciphertext. The stored form is
//
//	v1:<base64(nonce || ciphertext || tag)>
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// KeySize is the derived key length (AES-256).
const KeySize = 32

const (
	envelopePrefix = "v1:"
	scryptN        = 1 << 14
	scryptR        = 8
	scryptP        = 1
)

var kdfSalt = []byte("warden.cache.v1")

// ErrDecrypt is returned for a wrong key, a tampered value or a value that
// was never sealed.
var ErrDecrypt = errors.New("vault: decryption failed")

// Key is a derived symmetric key.
type Key struct {
	aead cipher.AEAD
}

// DeriveKey runs scrypt over secret. It is deliberately slow; derive once
// per process and reuse the Key.
func DeriveKey(secret string) (*Key, error) {
	if secret == "" {
		return nil, errors.New("vault: empty master secret")
	}
	raw, err := scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return NewKey(raw)
}

// NewKey wraps raw key bytes, which must be KeySize long.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return &Key{aead: gcm}, nil
}

// Seal encrypts plaintext into the versioned envelope.
func (k *Key) Seal(plaintext string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	out := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (k *Key) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, envelopePrefix) {
		return "", fmt.Errorf("%w: missing envelope prefix", ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := k.aead.NonceSize()
	if len(data) < ns+k.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := k.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong key or tampered data", ErrDecrypt)
	}
	return string(plain), nil
}

// IsSealed reports whether v looks like a vault envelope.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, envelopePrefix)
}
