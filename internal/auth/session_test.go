package auth

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/config"
	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

type fakeSessionStore struct {
	byID map[string]*Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byID: map[string]*Session{}}
}

func (f *fakeSessionStore) CreateWithEviction(ctx context.Context, s *Session, maxSessions int) error {
	s.ID = uuid.NewString()
	f.byID[s.ID] = s

	var userSessions []*Session
	for _, row := range f.byID {
		if row.UserID == s.UserID {
			userSessions = append(userSessions, row)
		}
	}
	if len(userSessions) > maxSessions {
		sort.Slice(userSessions, func(i, j int) bool {
			return userSessions[i].RefreshedAt.Before(userSessions[j].RefreshedAt)
		})
		toEvict := len(userSessions) - maxSessions
		for i := 0; i < toEvict; i++ {
			delete(f.byID, userSessions[i].ID)
		}
	}
	return nil
}

func (f *fakeSessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	for _, s := range f.byID {
		if s.TokenHash == tokenHash {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) GetByRefreshTokenHash(ctx context.Context, refreshTokenHash string) (*Session, error) {
	for _, s := range f.byID {
		if s.RefreshTokenHash == refreshTokenHash {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) Rotate(ctx context.Context, id, newTokenHash, newRefreshTokenHash string, expiresAt, refreshedAt time.Time) error {
	s, ok := f.byID[id]
	if !ok {
		return nil
	}
	s.TokenHash = newTokenHash
	s.RefreshTokenHash = newRefreshTokenHash
	s.ExpiresAt = expiresAt
	s.RefreshedAt = refreshedAt
	return nil
}

func (f *fakeSessionStore) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

func (f *fakeSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range f.byID {
		if now.After(s.ExpiresAt) {
			delete(f.byID, id)
			n++
		}
	}
	return n, nil
}

func testService(t *testing.T, sessions SessionStore) *Service {
	key := make([]byte, 32)
	v, err := vault.New(key)
	require.NoError(t, err)
	cfg := &config.Config{SessionTTL: 14 * 24 * time.Hour, MaxSessionsPerUser: 3}
	svc, err := NewService(nil, sessions, v, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

// TestSessionEviction: a user with three sessions at
// increasing refreshed_at gets a fourth created, and the oldest is evicted.
func TestSessionEviction(t *testing.T) {
	store := newFakeSessionStore()
	svc := testService(t, store)
	ctx := context.Background()

	userID := "u1"
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var oldestToken string
	for i := 0; i < 3; i++ {
		tok, _, err := svc.CreateSession(ctx, userID, "1.2.3.4", "ua")
		require.NoError(t, err)
		if i == 0 {
			oldestToken = tok
		}
		// backdate refreshed_at to control eviction order deterministically
		for _, s := range store.byID {
			if s.TokenHash == hashToken(tok) {
				s.RefreshedAt = base.Add(time.Duration(i) * 24 * time.Hour)
			}
		}
	}
	require.Len(t, store.byID, 3)

	newToken, _, err := svc.CreateSession(ctx, userID, "1.2.3.4", "ua")
	require.NoError(t, err)

	require.Len(t, store.byID, 3, "exactly 3 sessions must remain")

	_, err = svc.AuthenticateSession(ctx, oldestToken)
	require.Error(t, err, "the oldest session's token must stop authenticating")

	sess, err := svc.AuthenticateSession(ctx, newToken)
	require.NoError(t, err)
	require.Equal(t, userID, sess.UserID)
}

// TestSessionRotationInvalidatesOldToken mirrors the session-rotation
// round-trip law: after refresh, the old session token no longer
// authenticates and the new one does.
func TestSessionRotationInvalidatesOldToken(t *testing.T) {
	store := newFakeSessionStore()
	svc := testService(t, store)
	ctx := context.Background()

	sessionToken, refreshToken, err := svc.CreateSession(ctx, "u2", "1.2.3.4", "ua")
	require.NoError(t, err)

	newSession, newRefresh, err := svc.RefreshSession(ctx, refreshToken)
	require.NoError(t, err)
	require.NotEqual(t, sessionToken, newSession)
	require.NotEqual(t, refreshToken, newRefresh)

	_, err = svc.AuthenticateSession(ctx, sessionToken)
	require.Error(t, err)

	sess, err := svc.AuthenticateSession(ctx, newSession)
	require.NoError(t, err)
	require.Equal(t, "u2", sess.UserID)
}
