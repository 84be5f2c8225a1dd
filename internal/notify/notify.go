// Package notify implements the Notification component:
// deduplicated creation gated by self/block/mute/preference checks, with
// PubSub broadcast and optional Web Push scheduling on success.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/pubsub"
)

// Kind enumerates the notification types this instance raises. The data
// model leaves the enum open-ended; these are the ones the inbox and
// publisher paths raise directly.
type Kind string

const (
	KindArticleLiked   Kind = "article_liked"
	KindArticleCreated Kind = "article_created"
	KindCommentReply   Kind = "comment_reply"
	KindNewFollower    Kind = "new_follower"
	KindMention        Kind = "mention"
)

// Notification is a user-addressed event.
type Notification struct {
	ID            string
	UserID        string
	Kind          Kind
	ActorUserID   string // exclusive with ActorAPID
	ActorAPID     string
	ObjectType    string
	ObjectID      string
	Data          map[string]string
	Read          bool
	CreatedAt     time.Time
}

// Attrs is the input to Create; exactly one of ActorUserID/ActorAPID should
// be set, matching the entity's xor invariant.
type Attrs struct {
	UserID      string
	Kind        Kind
	ActorUserID string
	ActorAPID   string
	ObjectType  string
	ObjectID    string
	Data        map[string]string
}

// Status is the outcome of Create.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSkipped   Status = "skipped"
	StatusDuplicate Status = "duplicate"
)

// Result carries Create's outcome.
type Result struct {
	Status       Status
	Notification *Notification
}

// Store is the persistence boundary. InsertNotification reports inserted
// =false (not an error) when the dedup unique index rejects the row.
type Store interface {
	InsertNotification(ctx context.Context, n *Notification) (inserted bool, err error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// BlockMuteChecker answers whether recipient has blocked or muted the actor
// that would be notified about.
type BlockMuteChecker interface {
	IsBlockedOrMuted(ctx context.Context, recipientUserID, actorUserID, actorAPID string) (bool, error)
}

// Preferences answers the recipient's notification_preferences for a type.
type Preferences interface {
	NotificationPreference(ctx context.Context, userID string, kind Kind) (inApp, webPush bool, err error)
}

// Pusher schedules a Web Push send; notify does not send pushes itself, it
// only decides whether one is warranted.
type Pusher interface {
	SchedulePush(ctx context.Context, userID string, n *Notification) error
}

// Service implements the Notification component.
type Service struct {
	store  Store
	blocks BlockMuteChecker
	prefs  Preferences
	bus    *pubsub.Broadcaster
	pusher Pusher
}

func New(store Store, blocks BlockMuteChecker, prefs Preferences, bus *pubsub.Broadcaster, pusher Pusher) *Service {
	return &Service{store: store, blocks: blocks, prefs: prefs, bus: bus, pusher: pusher}
}

// Create runs the three gates in order (self, block/mute, preference), then
// attempts the deduplicated insert.
func (s *Service) Create(ctx context.Context, attrs Attrs) (Result, error) {
	if attrs.ActorUserID != "" && attrs.UserID == attrs.ActorUserID {
		return Result{Status: StatusSkipped}, nil
	}

	if s.blocks != nil {
		blocked, err := s.blocks.IsBlockedOrMuted(ctx, attrs.UserID, attrs.ActorUserID, attrs.ActorAPID)
		if err != nil {
			return Result{}, fmt.Errorf("notify: block/mute check: %w", err)
		}
		if blocked {
			return Result{Status: StatusSkipped}, nil
		}
	}

	webPush := true
	if s.prefs != nil {
		inApp, wp, err := s.prefs.NotificationPreference(ctx, attrs.UserID, attrs.Kind)
		if err != nil {
			return Result{}, fmt.Errorf("notify: load preference: %w", err)
		}
		if !inApp {
			return Result{Status: StatusSkipped}, nil
		}
		webPush = wp
	}

	n := &Notification{
		UserID:      attrs.UserID,
		Kind:        attrs.Kind,
		ActorUserID: attrs.ActorUserID,
		ActorAPID:   attrs.ActorAPID,
		ObjectType:  attrs.ObjectType,
		ObjectID:    attrs.ObjectID,
		Data:        attrs.Data,
		CreatedAt:   time.Now(),
	}

	inserted, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		return Result{}, fmt.Errorf("notify: insert: %w", err)
	}
	if !inserted {
		return Result{Status: StatusDuplicate}, nil
	}

	if s.bus != nil {
		s.bus.Publish(fmt.Sprintf("notifications:user:%s", attrs.UserID), map[string]string{"notification_id": n.ID})
	}
	if webPush && s.pusher != nil {
		if err := s.pusher.SchedulePush(ctx, attrs.UserID, n); err != nil {
			// Web Push scheduling failure must not fail notification creation:
			// the in-app notification already succeeded.
			_ = err
		}
	}

	return Result{Status: StatusCreated, Notification: n}, nil
}

// MarkRead marks a single notification read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead marks every notification for userID read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	return s.store.MarkAllRead(ctx, userID)
}

// CleanupOlderThan deletes notifications older than days.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	return s.store.CleanupOlderThan(ctx, time.Now().AddDate(0, 0, -days))
}
