// Package keystore manages per-actor RSA keypairs: generation, PEM
// encoding, vault-backed encryption of private material, and rotation.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

// KeyPair is an RSA-2048 keypair in the form KeyStore persists it: the
// public half in clear PEM, the private half as ciphertext produced by the
// vault.
type KeyPair struct {
	PublicKeyPEM          string
	EncryptedPrivateKeyPEM []byte
}

// EntityKind distinguishes the three kinds of actor KeyStore issues keys
// for, matching the actor URI scheme in the external interface surface.
type EntityKind string

const (
	EntityUser  EntityKind = "user"
	EntityBoard EntityKind = "board"
	EntitySite  EntityKind = "site"
)

// Recorder persists and retrieves the keypair fields for an entity. The
// store package implements this against the users/boards/site tables.
type Recorder interface {
	LoadKeyPair(ctx context.Context, kind EntityKind, id string) (*KeyPair, error)
	SaveKeyPair(ctx context.Context, kind EntityKind, id string, kp *KeyPair) error
}

// KeyStore generates, persists, decrypts and rotates RSA keypairs for
// users, boards, and the site actor.
type KeyStore struct {
	recorder Recorder
	vault    *vault.Vault
	log      *slog.Logger
}

func New(recorder Recorder, v *vault.Vault, log *slog.Logger) *KeyStore {
	return &KeyStore{recorder: recorder, vault: v, log: log}
}

// EnsureKeyPair loads the entity's existing keypair, generating and
// persisting a fresh RSA-2048 pair on first use. Generation failure is
// fatal to the calling request.
func (k *KeyStore) EnsureKeyPair(ctx context.Context, kind EntityKind, id string) (*KeyPair, error) {
	existing, err := k.recorder.LoadKeyPair(ctx, kind, id)
	if err == nil && existing != nil && existing.PublicKeyPEM != "" {
		return existing, nil
	}

	kp, err := k.generate()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate keypair for %s %s: %w", kind, id, err)
	}
	if err := k.recorder.SaveKeyPair(ctx, kind, id, kp); err != nil {
		return nil, fmt.Errorf("keystore: persist keypair for %s %s: %w", kind, id, err)
	}
	k.log.Info("generated keypair", "kind", kind, "id", id)
	return kp, nil
}

// Rotate replaces both halves of an entity's keypair. Callers SHOULD then
// publish an Update(Actor) to followers so remote instances refresh their
// cached public key.
func (k *KeyStore) Rotate(ctx context.Context, kind EntityKind, id string) (*KeyPair, error) {
	kp, err := k.generate()
	if err != nil {
		return nil, fmt.Errorf("keystore: rotate keypair for %s %s: %w", kind, id, err)
	}
	if err := k.recorder.SaveKeyPair(ctx, kind, id, kp); err != nil {
		return nil, fmt.Errorf("keystore: persist rotated keypair for %s %s: %w", kind, id, err)
	}
	k.log.Info("rotated keypair", "kind", kind, "id", id)
	return kp, nil
}

// PrivateKey decrypts and parses the private half of a stored keypair.
func (k *KeyStore) PrivateKey(kp *KeyPair) (*rsa.PrivateKey, error) {
	plain, err := k.vault.Decrypt(kp.EncryptedPrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt private key: %w", err)
	}
	block, _ := pem.Decode(plain)
	if block == nil {
		return nil, fmt.Errorf("keystore: decode private key PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (k *KeyStore) generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	encryptedPriv, err := k.vault.Encrypt(privPEM)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	return &KeyPair{
		PublicKeyPEM:           string(pubPEM),
		EncryptedPrivateKeyPEM: encryptedPriv,
	}, nil
}
