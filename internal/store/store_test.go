package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateUserAndLookupCredentials(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "Alice", "hashed")
	require.NoError(t, err)

	creds, err := s.GetCredentialsByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, creds)
	require.Equal(t, id, creds.ID)
	require.Equal(t, auth.RoleUser, creds.Role)
	require.False(t, creds.TOTPEnabled)

	missing, err := s.GetCredentialsByUsername(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestEnableTOTPPersistsSecretAndRecoveryCodes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "bob", "hashed")
	require.NoError(t, err)

	require.NoError(t, s.EnableTOTP(ctx, id, []byte("ciphertext"), []string{"hash1", "hash2"}))

	creds, err := s.GetCredentialsByID(ctx, id)
	require.NoError(t, err)
	require.True(t, creds.TOTPEnabled)
	require.Equal(t, []byte("ciphertext"), creds.TOTPEncryptedSecret)

	codes, err := s.GetUnusedRecoveryCodes(ctx, id)
	require.NoError(t, err)
	require.Len(t, codes, 2)

	require.NoError(t, s.MarkRecoveryCodeUsed(ctx, codes[0].ID))
	remaining, err := s.GetUnusedRecoveryCodes(ctx, id)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestSessionEvictionOldestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "carol", "hashed")
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var firstID string
	for i := 0; i < 3; i++ {
		sess := &auth.Session{
			UserID:           userID,
			TokenHash:        fmt.Sprintf("tok-%d", i),
			RefreshTokenHash: fmt.Sprintf("ref-%d", i),
			ExpiresAt:        base.Add(30 * 24 * time.Hour),
			RefreshedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.CreateWithEviction(ctx, sess, 3))
		if i == 0 {
			firstID = sess.ID
		}
	}

	// A fourth session should evict the oldest (index 0).
	fourth := &auth.Session{
		UserID:           userID,
		TokenHash:        "tok-3",
		RefreshTokenHash: "ref-3",
		ExpiresAt:        base.Add(30 * 24 * time.Hour),
		RefreshedAt:      base.Add(3 * time.Hour),
	}
	require.NoError(t, s.CreateWithEviction(ctx, fourth, 3))

	evicted, err := s.GetByTokenHash(ctx, "tok-0")
	require.NoError(t, err)
	require.Nil(t, evicted)

	survivor, err := s.GetByTokenHash(ctx, "tok-3")
	require.NoError(t, err)
	require.NotNil(t, survivor)

	_ = firstID
}

func TestSessionRotateInvalidatesOldHash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "dan", "hashed")
	require.NoError(t, err)

	sess := &auth.Session{
		UserID:           userID,
		TokenHash:        "old-tok",
		RefreshTokenHash: "old-ref",
		ExpiresAt:        time.Now().Add(time.Hour),
		RefreshedAt:      time.Now(),
	}
	require.NoError(t, s.CreateWithEviction(ctx, sess, 3))

	require.NoError(t, s.Rotate(ctx, sess.ID, "new-tok", "new-ref", time.Now().Add(time.Hour), time.Now()))

	old, err := s.GetByTokenHash(ctx, "old-tok")
	require.NoError(t, err)
	require.Nil(t, old)

	fresh, err := s.GetByTokenHash(ctx, "new-tok")
	require.NoError(t, err)
	require.NotNil(t, fresh)
}

// TestNotificationDedupWithoutObjectIDs exercises the dedup indexes for a
// kind that carries no article/comment reference: the second insert with the
// same (user, kind, actor) tuple must report a duplicate, not a new row.
func TestNotificationDedupWithoutObjectIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &notify.Notification{
		UserID:    "u1",
		Kind:      notify.KindNewFollower,
		ActorAPID: "https://remote.test/users/bob",
		CreatedAt: time.Now(),
	}
	inserted, err := s.InsertNotification(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := &notify.Notification{
		UserID:    "u1",
		Kind:      notify.KindNewFollower,
		ActorAPID: "https://remote.test/users/bob",
		CreatedAt: time.Now(),
	}
	inserted, err = s.InsertNotification(ctx, second)
	require.NoError(t, err)
	require.False(t, inserted)

	// A different actor with the same empty object fields is a distinct row.
	third := &notify.Notification{
		UserID:    "u1",
		Kind:      notify.KindNewFollower,
		ActorAPID: "https://remote.test/users/carol",
		CreatedAt: time.Now(),
	}
	inserted, err = s.InsertNotification(ctx, third)
	require.NoError(t, err)
	require.True(t, inserted)
}

// Local and remote actor variants must not collide with each other through
// the shared '' object sentinel.
func TestNotificationDedupLocalAndRemoteVariantsIndependent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	local := &notify.Notification{
		UserID:      "u1",
		Kind:        notify.KindArticleLiked,
		ActorUserID: "u2",
		ObjectType:  "article",
		ObjectID:    "a1",
		CreatedAt:   time.Now(),
	}
	inserted, err := s.InsertNotification(ctx, local)
	require.NoError(t, err)
	require.True(t, inserted)

	remote := &notify.Notification{
		UserID:     "u1",
		Kind:       notify.KindArticleLiked,
		ActorAPID:  "https://remote.test/users/bob",
		ObjectType: "article",
		ObjectID:   "a1",
		CreatedAt:  time.Now(),
	}
	inserted, err = s.InsertNotification(ctx, remote)
	require.NoError(t, err)
	require.True(t, inserted)

	dup, err := s.InsertNotification(ctx, &notify.Notification{
		UserID:      "u1",
		Kind:        notify.KindArticleLiked,
		ActorUserID: "u2",
		ObjectType:  "article",
		ObjectID:    "a1",
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
	require.False(t, dup)
}
