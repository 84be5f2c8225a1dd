package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/pubsub"
)

type fakeStore struct {
	inserted []*Notification
	existing map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[string]bool)}
}

func (f *fakeStore) InsertNotification(ctx context.Context, n *Notification) (bool, error) {
	// Mirrors the store's dedup tuple, where empty object fields are a ''
	// sentinel that still collides (kinds like new_follower carry no object).
	key := n.UserID + "|" + string(n.Kind) + "|" + n.ActorUserID + "|" + n.ActorAPID + "|" + n.ObjectType + "|" + n.ObjectID
	if f.existing[key] {
		return false, nil
	}
	f.existing[key] = true
	n.ID = key
	f.inserted = append(f.inserted, n)
	return true, nil
}
func (f *fakeStore) MarkRead(ctx context.Context, id string) error        { return nil }
func (f *fakeStore) MarkAllRead(ctx context.Context, userID string) error { return nil }
func (f *fakeStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type fakeBlocks struct{ blocked bool }

func (f fakeBlocks) IsBlockedOrMuted(ctx context.Context, recipientUserID, actorUserID, actorAPID string) (bool, error) {
	return f.blocked, nil
}

type fakePrefs struct {
	inApp   bool
	webPush bool
}

func (f fakePrefs) NotificationPreference(ctx context.Context, userID string, kind Kind) (bool, bool, error) {
	return f.inApp, f.webPush, nil
}

type fakePusher struct{ called int }

func (f *fakePusher) SchedulePush(ctx context.Context, userID string, n *Notification) error {
	f.called++
	return nil
}

func TestCreateSkipsSelfNotification(t *testing.T) {
	store := newFakeStore()
	s := New(store, nil, nil, nil, nil)
	res, err := s.Create(context.Background(), Attrs{UserID: "u1", ActorUserID: "u1", Kind: KindArticleLiked})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)
	require.Empty(t, store.inserted)
}

func TestCreateSkipsWhenBlocked(t *testing.T) {
	store := newFakeStore()
	s := New(store, fakeBlocks{blocked: true}, nil, nil, nil)
	res, err := s.Create(context.Background(), Attrs{UserID: "u1", ActorUserID: "u2", Kind: KindArticleLiked})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)
}

func TestCreateSkipsWhenPreferenceDisabled(t *testing.T) {
	store := newFakeStore()
	s := New(store, nil, fakePrefs{inApp: false}, nil, nil)
	res, err := s.Create(context.Background(), Attrs{UserID: "u1", ActorUserID: "u2", Kind: KindArticleLiked})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)
}

func TestCreateDedupsDuplicateInsert(t *testing.T) {
	store := newFakeStore()
	bus := pubsub.New()
	s := New(store, nil, fakePrefs{inApp: true, webPush: true}, bus, nil)

	attrs := Attrs{UserID: "u1", ActorUserID: "u2", Kind: KindArticleLiked, ObjectID: "a1"}
	res1, err := s.Create(context.Background(), attrs)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res1.Status)

	res2, err := s.Create(context.Background(), attrs)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, res2.Status)
}

func TestCreateSchedulesPushWhenPreferred(t *testing.T) {
	store := newFakeStore()
	pusher := &fakePusher{}
	s := New(store, nil, fakePrefs{inApp: true, webPush: true}, nil, pusher)

	_, err := s.Create(context.Background(), Attrs{UserID: "u1", ActorUserID: "u2", Kind: KindMention})
	require.NoError(t, err)
	require.Equal(t, 1, pusher.called)
}

func TestCreateSkipsPushWhenNotPreferred(t *testing.T) {
	store := newFakeStore()
	pusher := &fakePusher{}
	s := New(store, nil, fakePrefs{inApp: true, webPush: false}, nil, pusher)

	_, err := s.Create(context.Background(), Attrs{UserID: "u1", ActorUserID: "u2", Kind: KindMention})
	require.NoError(t, err)
	require.Equal(t, 0, pusher.called)
}
