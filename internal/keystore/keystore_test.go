package keystore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

type fakeRecorder struct {
	rows map[string]*KeyPair
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{rows: map[string]*KeyPair{}} }

func (f *fakeRecorder) key(kind EntityKind, id string) string { return string(kind) + ":" + id }

func (f *fakeRecorder) LoadKeyPair(ctx context.Context, kind EntityKind, id string) (*KeyPair, error) {
	kp, ok := f.rows[f.key(kind, id)]
	if !ok {
		return nil, nil
	}
	return kp, nil
}

func (f *fakeRecorder) SaveKeyPair(ctx context.Context, kind EntityKind, id string, kp *KeyPair) error {
	f.rows[f.key(kind, id)] = kp
	return nil
}

func testVault(t *testing.T) *vault.Vault {
	key := make([]byte, 32)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

func TestEnsureKeyPairGeneratesOnce(t *testing.T) {
	rec := newFakeRecorder()
	ks := New(rec, testVault(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	first, err := ks.EnsureKeyPair(ctx, EntityUser, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKeyPEM)

	second, err := ks.EnsureKeyPair(ctx, EntityUser, "alice")
	require.NoError(t, err)
	require.Equal(t, first.PublicKeyPEM, second.PublicKeyPEM, "second call must reuse the persisted keypair")
}

func TestRotateProducesNewUsablePrivateKey(t *testing.T) {
	rec := newFakeRecorder()
	ks := New(rec, testVault(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	first, err := ks.EnsureKeyPair(ctx, EntityUser, "bob")
	require.NoError(t, err)

	rotated, err := ks.Rotate(ctx, EntityUser, "bob")
	require.NoError(t, err)
	require.NotEqual(t, first.PublicKeyPEM, rotated.PublicKeyPEM)

	priv, err := ks.PrivateKey(rotated)
	require.NoError(t, err)
	require.NoError(t, priv.Validate())
}
