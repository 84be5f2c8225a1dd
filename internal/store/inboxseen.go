package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
)

// IsActivitySeen implements inbox.Store's 24h sliding-window dedup: any previously-recorded activity id is a duplicate regardless of
// how long ago it was seen — PurgeSeenOlderThan is what actually slides the
// window, run on a periodic background tick.
func (s *Store) IsActivitySeen(ctx context.Context, activityID string) (bool, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM inbox_seen WHERE activity_id = %s`, s.ph(1)), activityID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) MarkActivitySeen(ctx context.Context, activityID string, seenAt time.Time) error {
	q := fmt.Sprintf(`%s INTO inbox_seen (activity_id, seen_at) VALUES (%s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.onConflictDoNothing())
	_, err := s.db.ExecContext(ctx, q, activityID, formatTime(seenAt))
	return err
}

// PurgeSeenOlderThan implements the 24h inbox dedup sliding window: rows
// older than the window no longer need to be remembered.
func (s *Store) PurgeSeenOlderThan(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM inbox_seen WHERE seen_at < %s`, s.ph(1)), formatTime(before))
	return err
}

// UpsertRemoteActor implements inbox.Store; it's SaveActor under the name
// the inbox dispatcher's Store interface expects.
func (s *Store) UpsertRemoteActor(ctx context.Context, a *actorresolver.Actor) error {
	return s.SaveActor(ctx, a)
}

// LocalUserIDByActorURI implements inbox.Store: resolves a local user's
// actor URI to its user id, used when an inbound Follow targets a user
// rather than a board. Users don't persist their own actor URI (it's
// derived from BASE_URL + username), so this
// matches on the trailing path segment, which the scheme guarantees is the
// username for a /ap/users/{username} URI.
func (s *Store) LocalUserIDByActorURI(ctx context.Context, actorURI string) (string, bool, error) {
	username := lastPathSegment(actorURI)
	if username == "" {
		return "", false, nil
	}
	var id string
	q := fmt.Sprintf(`SELECT id FROM users WHERE LOWER(username) = LOWER(%s)`, s.ph(1))
	err := s.db.QueryRowContext(ctx, q, username).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func lastPathSegment(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' {
			return uri[i+1:]
		}
	}
	return uri
}
