package webpush

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

type fakeStore struct {
	mu    sync.Mutex
	subs  map[string]*Subscription
	pub   string
	encPriv []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]*Subscription)}
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Subscription
	for _, s := range f.subs {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok {
		s.LastUsed = time.Now()
	}
	return nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeStore) LoadVAPIDKeyPair(ctx context.Context) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pub, f.encPriv, nil
}

func (f *fakeStore) SaveVAPIDKeyPair(ctx context.Context, publicKey string, encryptedPrivateKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pub = publicKey
	f.encPriv = encryptedPrivateKey
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureVAPIDKeyPairGeneratesOnce(t *testing.T) {
	store := newFakeStore()
	s := New(store, testVault(t), "mailto:admin@example.test", discardLogger())

	pub1, err := s.EnsureVAPIDKeyPair(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pub1)

	pub2, err := s.EnsureVAPIDKeyPair(context.Background())
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
}

func TestSendToUserDeletesStaleSubscriptionOn410(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := New(store, testVault(t), "mailto:admin@example.test", discardLogger())
	_, err := s.EnsureVAPIDKeyPair(context.Background())
	require.NoError(t, err)

	store.subs["sub1"] = &Subscription{
		ID:       "sub1",
		UserID:   "user1",
		Endpoint: srv.URL,
		P256dh:   "BDd3_hVL9fZi9Ybo2UUzA284WG5FZR30_95YLB2GhEUTi-PQFQyjEG9LjbExxyC6mZo8TQJM2zBG4NGQhBmvFo4",
		Auth:     "o5MdcSg3MXISS0NKm9R1rw",
	}

	err = s.SendToUser(context.Background(), "user1", Payload{Type: "test", Title: "hi", Body: "there"})
	require.ErrorIs(t, err, ErrGone)
	require.Empty(t, store.subs)
}

func TestSendToUserNoSubscriptionsIsNoop(t *testing.T) {
	store := newFakeStore()
	s := New(store, testVault(t), "mailto:admin@example.test", discardLogger())
	_, err := s.EnsureVAPIDKeyPair(context.Background())
	require.NoError(t, err)

	err = s.SendToUser(context.Background(), "user1", Payload{Type: "test"})
	require.NoError(t, err)
}
