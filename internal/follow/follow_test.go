package follow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

type fakeStore struct {
	userFollows        map[string]*UserFollow
	boardFollows       map[string]*BoardFollow
	remoteActorFollows map[string]*RemoteActorFollow
	next               int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		userFollows:        map[string]*UserFollow{},
		boardFollows:       map[string]*BoardFollow{},
		remoteActorFollows: map[string]*RemoteActorFollow{},
	}
}

func (s *fakeStore) id() string {
	s.next++
	return string(rune('a' + s.next))
}

func (s *fakeStore) CreateUserFollow(ctx context.Context, f *UserFollow) error {
	if f.ID == "" {
		f.ID = s.id()
	}
	s.userFollows[f.ID] = f
	return nil
}
func (s *fakeStore) GetUserFollowByAPID(ctx context.Context, apID string) (*UserFollow, error) {
	for _, f := range s.userFollows {
		if f.APID == apID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) GetUserFollowByPair(ctx context.Context, followerAPID, targetUserID string) (*UserFollow, error) {
	for _, f := range s.userFollows {
		if f.FollowerAPID == followerAPID && f.TargetUserID == targetUserID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) SetUserFollowState(ctx context.Context, id string, state State) error {
	if f, ok := s.userFollows[id]; ok {
		f.State = state
	}
	return nil
}
func (s *fakeStore) DeleteUserFollow(ctx context.Context, id string) error {
	delete(s.userFollows, id)
	return nil
}
func (s *fakeStore) MigrateUserFollows(ctx context.Context, oldActorAPID, newActorAPID string) error {
	for _, f := range s.userFollows {
		if f.FollowerAPID == oldActorAPID {
			f.FollowerAPID = newActorAPID
		}
	}
	return nil
}

func (s *fakeStore) CreateBoardFollow(ctx context.Context, f *BoardFollow) error {
	if f.ID == "" {
		f.ID = s.id()
	}
	s.boardFollows[f.ID] = f
	return nil
}
func (s *fakeStore) GetBoardFollowByAPID(ctx context.Context, apID string) (*BoardFollow, error) {
	for _, f := range s.boardFollows {
		if f.APID == apID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) GetBoardFollowByPair(ctx context.Context, followerAPID, targetBoardID string) (*BoardFollow, error) {
	for _, f := range s.boardFollows {
		if f.FollowerAPID == followerAPID && f.TargetBoardID == targetBoardID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) SetBoardFollowState(ctx context.Context, id string, state State) error {
	if f, ok := s.boardFollows[id]; ok {
		f.State = state
	}
	return nil
}
func (s *fakeStore) DeleteBoardFollow(ctx context.Context, id string) error {
	delete(s.boardFollows, id)
	return nil
}

func (s *fakeStore) CreateRemoteActorFollow(ctx context.Context, f *RemoteActorFollow) error {
	if f.ID == "" {
		f.ID = s.id()
	}
	s.remoteActorFollows[f.ID] = f
	return nil
}
func (s *fakeStore) GetRemoteActorFollowByAPID(ctx context.Context, apID string) (*RemoteActorFollow, error) {
	for _, f := range s.remoteActorFollows {
		if f.APID == apID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) GetRemoteActorFollowByPair(ctx context.Context, userID, remoteActorID string) (*RemoteActorFollow, error) {
	for _, f := range s.remoteActorFollows {
		if f.UserID == userID && f.RemoteActorID == remoteActorID {
			return f, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) SetRemoteActorFollowState(ctx context.Context, id string, state State) error {
	if f, ok := s.remoteActorFollows[id]; ok {
		f.State = state
	}
	return nil
}
func (s *fakeStore) DeleteRemoteActorFollow(ctx context.Context, id string) error {
	delete(s.remoteActorFollows, id)
	return nil
}

func TestRequestLocalUserFollowAutoAccepts(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestLocalUserFollow(context.Background(), "https://baudrate.example/ap/users/a", "user-b")
	require.NoError(t, err)
	require.Equal(t, StateAccepted, f.State)
}

func TestRemoteUserFollowLifecycle(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestRemoteUserFollow(context.Background(), "https://remote.test/users/x", "user-b", "https://remote.test/activities/1")
	require.NoError(t, err)
	require.Equal(t, StatePending, f.State)

	require.NoError(t, m.AcceptUserFollow(context.Background(), f.APID))
	got, err := m.store.GetUserFollowByAPID(context.Background(), f.APID)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, got.State)

	require.NoError(t, m.UndoUserFollow(context.Background(), f.APID))
	got2, err := m.store.GetUserFollowByAPID(context.Background(), f.APID)
	require.NoError(t, err)
	require.Nil(t, got2)
}

func TestAcceptUnknownFollowAPIDIsNoOp(t *testing.T) {
	m := New(newFakeStore())
	require.NoError(t, m.AcceptUserFollow(context.Background(), "https://nowhere.test/activities/404"))
}

func TestBoardFollowFollowersOnlyStartsPending(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestBoardFollow(context.Background(), "https://remote.test/users/x", "board-1", "https://remote.test/activities/2", BoardPolicyFollowersOnly)
	require.NoError(t, err)
	require.Equal(t, StatePending, f.State)
}

func TestBoardFollowOpenAutoAccepts(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestBoardFollow(context.Background(), "https://remote.test/users/x", "board-1", "https://remote.test/activities/3", BoardPolicyOpen)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, f.State)
}

func TestApproveBoardFollowRequiresPending(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestBoardFollow(context.Background(), "https://remote.test/users/x", "board-1", "https://remote.test/activities/4", BoardPolicyFollowersOnly)
	require.NoError(t, err)

	require.NoError(t, m.ApproveBoardFollow(context.Background(), f.APID))

	err = m.ApproveBoardFollow(context.Background(), f.APID)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestApproveBoardFollowMissingIsNotFound(t *testing.T) {
	m := New(newFakeStore())
	err := m.ApproveBoardFollow(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMoveUserFollowsMigratesActor(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	_, err := m.RequestRemoteUserFollow(context.Background(), "https://old.test/users/x", "user-b", "https://old.test/activities/1")
	require.NoError(t, err)

	require.NoError(t, m.MoveUserFollows(context.Background(), "https://old.test/users/x", "https://new.test/users/x"))
	found, err := m.store.GetUserFollowByPair(context.Background(), "https://new.test/users/x", "user-b")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestRemoteActorFollowLifecycle(t *testing.T) {
	m := New(newFakeStore())
	f, err := m.RequestRemoteActorFollow(context.Background(), "user-a", "https://remote.test/users/y", "https://baudrate.example/activities/5")
	require.NoError(t, err)
	require.Equal(t, StatePending, f.State)

	require.NoError(t, m.AcceptRemoteActorFollow(context.Background(), f.APID))
	got, err := m.store.GetRemoteActorFollowByAPID(context.Background(), f.APID)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, got.State)
}
