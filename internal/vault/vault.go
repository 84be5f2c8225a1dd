// Package vault implements symmetric envelope encryption for secrets that
// must never be readable from a database dump: TOTP secrets and VAPID
// private keys. Each purpose gets its own Vault instance so a key
// compromise in one domain does not expose the other.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

// Vault performs AES-256-GCM envelope encryption with a single process-scoped
// key. The key is supplied by the caller at construction time (loaded from
// configuration) and is never read from or written to storage.
type Vault struct {
	gcm cipher.AEAD
}

// New builds a Vault from a 32-byte AES-256 key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt returns iv || ciphertext || tag as a single byte slice. The IV is
// a fresh random 96-bit nonce on every call.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, apperr.Wrap(apperr.KindVaultError, "generate iv", err)
	}
	// Seal appends ciphertext||tag after the dst prefix, so passing iv as
	// dst naturally produces iv || ciphertext || tag.
	return v.gcm.Seal(iv, iv, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Any modification to the envelope (truncation,
// bit flip, wrong key) is reported as KindVaultError without revealing which
// part failed.
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	ivSize := v.gcm.NonceSize()
	if len(envelope) < ivSize {
		return nil, apperr.New(apperr.KindVaultError, "envelope shorter than iv")
	}
	iv, ciphertext := envelope[:ivSize], envelope[ivSize:]
	plaintext, err := v.gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindVaultError, "decrypt", err)
	}
	return plaintext, nil
}
