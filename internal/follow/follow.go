// Package follow implements the FollowStateMachine: the
// pending/accepted/rejected lifecycle shared by UserFollow and BoardFollow
// rows, reconciled by inbound Accept/Reject/Undo and outbound Move.
package follow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

// State is one of the three FollowStateMachine states; a deleted row (after
// Undo) has no State value at all.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
)

// BoardAcceptPolicy mirrors Board.ap_accept_policy.
type BoardAcceptPolicy string

const (
	BoardPolicyOpen           BoardAcceptPolicy = "open"
	BoardPolicyFollowersOnly  BoardAcceptPolicy = "followers_only"
)

// UserFollow is a directional subscription from a follower (local or
// remote) to a local user.
type UserFollow struct {
	ID           string
	APID         string // the Follow activity's id; empty for purely-local rows before the first outbound Follow
	FollowerAPID string // the follower's actor uri (local or remote)
	TargetUserID string
	State        State
	CreatedAt    time.Time
}

// BoardFollow is the board analogue of UserFollow.
type BoardFollow struct {
	ID            string
	APID          string
	FollowerAPID  string
	TargetBoardID string
	State         State
	CreatedAt     time.Time
}

// RemoteActorFollow is the outbound complement of UserFollow: a local user
// following a remote actor. Kept distinct from UserFollow since the
// follower side is always local and the target is always a remote actor.
type RemoteActorFollow struct {
	ID            string
	APID          string
	UserID        string
	RemoteActorID string
	State         State
	CreatedAt     time.Time
}

// Store is the persistence boundary the state machine mutates against.
type Store interface {
	CreateUserFollow(ctx context.Context, f *UserFollow) error
	GetUserFollowByAPID(ctx context.Context, apID string) (*UserFollow, error)
	GetUserFollowByPair(ctx context.Context, followerAPID, targetUserID string) (*UserFollow, error)
	SetUserFollowState(ctx context.Context, id string, state State) error
	DeleteUserFollow(ctx context.Context, id string) error
	MigrateUserFollows(ctx context.Context, oldActorAPID, newActorAPID string) error

	CreateBoardFollow(ctx context.Context, f *BoardFollow) error
	GetBoardFollowByAPID(ctx context.Context, apID string) (*BoardFollow, error)
	GetBoardFollowByPair(ctx context.Context, followerAPID, targetBoardID string) (*BoardFollow, error)
	SetBoardFollowState(ctx context.Context, id string, state State) error
	DeleteBoardFollow(ctx context.Context, id string) error

	CreateRemoteActorFollow(ctx context.Context, f *RemoteActorFollow) error
	GetRemoteActorFollowByAPID(ctx context.Context, apID string) (*RemoteActorFollow, error)
	GetRemoteActorFollowByPair(ctx context.Context, userID, remoteActorID string) (*RemoteActorFollow, error)
	SetRemoteActorFollowState(ctx context.Context, id string, state State) error
	DeleteRemoteActorFollow(ctx context.Context, id string) error
}

// Machine serializes follow-state transitions per (actor, follow ap_id), per
// the concurrency model's requirement that these races be row-locked.
type Machine struct {
	store Store
	locks keyedMutex
}

func New(store Store) *Machine {
	return &Machine{store: store}
}

// RequestLocalUserFollow records a local user→user follow, which transitions
// straight to accepted with no outbound delivery.
func (m *Machine) RequestLocalUserFollow(ctx context.Context, followerActorURI, targetUserID string) (*UserFollow, error) {
	unlock := m.locks.lock(followerActorURI + "|" + targetUserID)
	defer unlock()

	existing, err := m.store.GetUserFollowByPair(ctx, followerActorURI, targetUserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	f := &UserFollow{
		FollowerAPID: followerActorURI,
		TargetUserID: targetUserID,
		State:        StateAccepted,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateUserFollow(ctx, f); err != nil {
		return nil, fmt.Errorf("follow: create local user follow: %w", err)
	}
	return f, nil
}

// RequestRemoteUserFollow records a remote actor's Follow(User) as pending, keyed
// by the Follow activity's ap_id so the reconciling Accept/Reject can find it.
func (m *Machine) RequestRemoteUserFollow(ctx context.Context, followerActorURI, targetUserID, followAPID string) (*UserFollow, error) {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f := &UserFollow{
		APID:         followAPID,
		FollowerAPID: followerActorURI,
		TargetUserID: targetUserID,
		State:        StatePending,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateUserFollow(ctx, f); err != nil {
		return nil, fmt.Errorf("follow: create remote user follow: %w", err)
	}
	return f, nil
}

// AcceptUserFollow transitions a pending UserFollow to accepted by the
// original Follow activity's ap_id. A missing row (already undone) is a
// silent no-op: an Accept after an Undo must not resurrect the row.
func (m *Machine) AcceptUserFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetUserFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetUserFollowState(ctx, f.ID, StateAccepted)
}

// RejectUserFollow is the Reject-received analogue of AcceptUserFollow.
func (m *Machine) RejectUserFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetUserFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetUserFollowState(ctx, f.ID, StateRejected)
}

// UndoUserFollow deletes the row outright; any subsequent Accept/Reject
// referencing followAPID is then a no-op (the row is gone).
func (m *Machine) UndoUserFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetUserFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.DeleteUserFollow(ctx, f.ID)
}

// MoveUserFollows re-points every UserFollow whose follower is oldActorAPID
// to newActorAPID. Where newActorAPID already follows the same local user,
// the old row is deleted and the existing row is kept in whatever state it has.
func (m *Machine) MoveUserFollows(ctx context.Context, oldActorAPID, newActorAPID string) error {
	return m.store.MigrateUserFollows(ctx, oldActorAPID, newActorAPID)
}

// RequestBoardFollow records a Follow(Board). A followers_only board starts
// pending regardless of requester; an open board auto-accepts immediately.
// It records state only: no Accept activity is built or delivered here, and
// the inbound Follow path (inbox.handleFollow) emits none for either policy.
func (m *Machine) RequestBoardFollow(ctx context.Context, followerActorURI, targetBoardID, followAPID string, policy BoardAcceptPolicy) (*BoardFollow, error) {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	state := StateAccepted
	if policy == BoardPolicyFollowersOnly {
		state = StatePending
	}
	f := &BoardFollow{
		APID:          followAPID,
		FollowerAPID:  followerActorURI,
		TargetBoardID: targetBoardID,
		State:         state,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateBoardFollow(ctx, f); err != nil {
		return nil, fmt.Errorf("follow: create board follow: %w", err)
	}
	return f, nil
}

// ApproveBoardFollow is the manual-moderator-approval path for a board with
// ap_accept_policy=followers_only: a moderator approves explicitly rather
// than the board auto-accepting.
func (m *Machine) ApproveBoardFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetBoardFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return apperr.New(apperr.KindNotFound, "board follow not found")
	}
	if f.State != StatePending {
		return apperr.New(apperr.KindConflict, "board follow is not pending")
	}
	return m.store.SetBoardFollowState(ctx, f.ID, StateAccepted)
}

// AcceptBoardFollow mirrors AcceptUserFollow for boards.
func (m *Machine) AcceptBoardFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetBoardFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetBoardFollowState(ctx, f.ID, StateAccepted)
}

// RejectBoardFollow mirrors RejectUserFollow for boards.
func (m *Machine) RejectBoardFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetBoardFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetBoardFollowState(ctx, f.ID, StateRejected)
}

// UndoBoardFollow mirrors UndoUserFollow for boards.
func (m *Machine) UndoBoardFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetBoardFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.DeleteBoardFollow(ctx, f.ID)
}

// RequestRemoteActorFollow records an outbound local-user→remote-actor
// Follow as pending, keyed by the Follow activity's ap_id.
func (m *Machine) RequestRemoteActorFollow(ctx context.Context, userID, remoteActorID, followAPID string) (*RemoteActorFollow, error) {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	existing, err := m.store.GetRemoteActorFollowByPair(ctx, userID, remoteActorID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	f := &RemoteActorFollow{
		APID:          followAPID,
		UserID:        userID,
		RemoteActorID: remoteActorID,
		State:         StatePending,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateRemoteActorFollow(ctx, f); err != nil {
		return nil, fmt.Errorf("follow: create remote actor follow: %w", err)
	}
	return f, nil
}

// AcceptRemoteActorFollow mirrors AcceptUserFollow for outbound follows of
// remote actors.
func (m *Machine) AcceptRemoteActorFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetRemoteActorFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetRemoteActorFollowState(ctx, f.ID, StateAccepted)
}

// RejectRemoteActorFollow mirrors RejectUserFollow for outbound follows of
// remote actors.
func (m *Machine) RejectRemoteActorFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetRemoteActorFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.SetRemoteActorFollowState(ctx, f.ID, StateRejected)
}

// UndoRemoteActorFollow mirrors UndoUserFollow for outbound follows of
// remote actors.
func (m *Machine) UndoRemoteActorFollow(ctx context.Context, followAPID string) error {
	unlock := m.locks.lock(followAPID)
	defer unlock()

	f, err := m.store.GetRemoteActorFollowByAPID(ctx, followAPID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return m.store.DeleteRemoteActorFollow(ctx, f.ID)
}

// keyedMutex hands out a per-key lock so unrelated follow rows never block
// each other, while same-key transitions serialize as the concurrency model
// requires.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
