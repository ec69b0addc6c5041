// Package keyring is the credential side of BotMaker: an encrypted store
// of upstream LLM API keys, a registry of bots allowed to use them, a
// tag-routed round-robin selector, and the two HTTP surfaces (admin and
// data-plane proxy) that front them.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	masterKeyBytes = 32
	nonceBytes     = 12
)

// ErrAuthFailed is returned when a ciphertext fails authentication: wrong
// master key or tampered bytes. Callers must not surface the distinction.
var ErrAuthFailed = errors.New("decryption failed")

// ParseMasterKey accepts a 32-byte raw key or its 64-char hex encoding.
func ParseMasterKey(s string) ([]byte, error) {
	if len(s) == masterKeyBytes {
		return []byte(s), nil
	}
	if len(s) == masterKeyBytes*2 {
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("master key is not valid hex: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("master key must be 32 bytes or 64 hex chars, got %d chars", len(s))
}

// Encrypt seals plaintext under AES-256-GCM. Layout: 12-byte nonce ∥
// 16-byte auth tag ∥ ciphertext.
func Encrypt(plaintext string, masterKey []byte) ([]byte, error) {
	aead, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	// Seal returns ciphertext∥tag; the stored layout wants tag first.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]

	out := make([]byte, 0, nonceBytes+len(sealed))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering or a wrong key
// fails with ErrAuthFailed.
func Decrypt(blob []byte, masterKey []byte) (string, error) {
	aead, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	if len(blob) < nonceBytes+aead.Overhead() {
		return "", ErrAuthFailed
	}
	nonce := blob[:nonceBytes]
	tag := blob[nonceBytes : nonceBytes+aead.Overhead()]
	ct := blob[nonceBytes+aead.Overhead():]

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthFailed
	}
	return string(plaintext), nil
}

// HashToken returns the SHA-256 hex of a bearer. Only hashes are stored;
// the bearer itself is shown once at registration.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewBearerToken mints a 32-byte random bearer as 64 hex chars.
func NewBearerToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newGCM(masterKey []byte) (cipher.AEAD, error) {
	if len(masterKey) != masterKeyBytes {
		return nil, fmt.Errorf("master key must be %d bytes", masterKeyBytes)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
