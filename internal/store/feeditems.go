package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/feed"
)

// StoreFeedItem implements inbox.Store: persists a materialized remote
// Create that didn't anchor to any local board or comment thread, and
// returns the local user ids following that remote actor so the caller can
// broadcast a feed-topic event to each of them.
func (s *Store) StoreFeedItem(ctx context.Context, apID, remoteActorID string, article interface{}, published time.Time) (string, []string, error) {
	payload, err := json.Marshal(article)
	if err != nil {
		return "", nil, err
	}
	id := newID()
	q := fmt.Sprintf(`%s INTO feed_items (id, ap_id, remote_actor_id, article_json, published_at) VALUES (%s, %s, %s, %s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.onConflictDoNothing())
	if _, err := s.db.ExecContext(ctx, q, id, apID, remoteActorID, string(payload), formatTime(published)); err != nil {
		return "", nil, fmt.Errorf("store: store feed item: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT user_id FROM user_remote_follows WHERE remote_actor_id = %s AND state = 'accepted'`, s.ph(1)), remoteActorID)
	if err != nil {
		return id, nil, err
	}
	followerIDs, err := scanStringRows(rows)
	if err != nil {
		return id, nil, err
	}

	for _, uid := range followerIDs {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`%s INTO feed_item_followers (feed_item_id, user_id) VALUES (%s, %s) %s`,
			s.insertOrIgnore(), s.ph(1), s.ph(2), s.onConflictDoNothing()), id, uid)
	}
	return id, followerIDs, nil
}

// feedItemSource implements feed.Source over feed_items for a user's
// accepted remote follows.
type feedItemSource struct{ s *Store }

func (f feedItemSource) Fetch(ctx context.Context, userID string, limit, offset int) ([]feed.Item, int, error) {
	q := fmt.Sprintf(`SELECT fi.id, fi.published_at FROM feed_items fi
		JOIN feed_item_followers ff ON ff.feed_item_id = fi.id
		WHERE ff.user_id = %s AND fi.deleted_at IS NULL
		ORDER BY fi.published_at DESC LIMIT %s OFFSET %s`, f.s.ph(1), f.s.ph(2), f.s.ph(3))
	rows, err := f.s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []feed.Item
	for rows.Next() {
		var id, publishedAt string
		if err := rows.Scan(&id, &publishedAt); err != nil {
			return nil, 0, err
		}
		t, _ := parseTime(publishedAt)
		items = append(items, feed.Item{Kind: feed.KindFeedItem, ID: id, SortedAt: t})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM feed_items fi JOIN feed_item_followers ff ON ff.feed_item_id = fi.id
		WHERE ff.user_id = %s AND fi.deleted_at IS NULL`, f.s.ph(1))
	if err := f.s.db.QueryRowContext(ctx, countQ, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// articleFeedSource implements feed.Source over local articles authored by
// the user or by a locally-followed user, excluding
// soft-deleted and blocked/muted authors.
type articleFeedSource struct{ s *Store }

func (a articleFeedSource) Fetch(ctx context.Context, userID string, limit, offset int) ([]feed.Item, int, error) {
	followerURI, err := a.s.userActorURIForID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT ar.id, ar.created_at FROM articles ar
		WHERE ar.deleted_at IS NULL AND (
			ar.author_id = %s
			OR ar.author_id IN (
				SELECT target_user_id FROM user_follows WHERE follower_ap_id = %s AND state = 'accepted'
			)
		)
		AND ar.author_id NOT IN (
			SELECT blocked_user_id FROM user_blocks WHERE user_id = %s AND blocked_user_id IS NOT NULL
			UNION SELECT muted_user_id FROM user_mutes WHERE user_id = %s AND muted_user_id IS NOT NULL
		)
		ORDER BY ar.created_at DESC LIMIT %s OFFSET %s`,
		a.s.ph(1), a.s.ph(2), a.s.ph(3), a.s.ph(4), a.s.ph(5), a.s.ph(6))
	rows, err := a.s.db.QueryContext(ctx, q, userID, followerURI, userID, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []feed.Item
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, 0, err
		}
		t, _ := parseTime(createdAt)
		items = append(items, feed.Item{Kind: feed.KindArticle, ID: id, SortedAt: t})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM articles WHERE deleted_at IS NULL
		AND (author_id = %s OR author_id IN (
			SELECT target_user_id FROM user_follows WHERE follower_ap_id = %s AND state = 'accepted'))
		AND author_id NOT IN (
			SELECT blocked_user_id FROM user_blocks WHERE user_id = %s AND blocked_user_id IS NOT NULL
			UNION SELECT muted_user_id FROM user_mutes WHERE user_id = %s AND muted_user_id IS NOT NULL)`,
		a.s.ph(1), a.s.ph(2), a.s.ph(3), a.s.ph(4))
	if err := a.s.db.QueryRowContext(ctx, countQ, userID, followerURI, userID, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// userActorURIForID builds a local user's own actor URI from their
// username, needed because user_follows.follower_ap_id is always an actor
// URI, even for local-to-local follows.
func (s *Store) userActorURIForID(ctx context.Context, userID string) (string, error) {
	var username string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT username FROM users WHERE id = %s`, s.ph(1)), userID).Scan(&username)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.userActorURI(username), nil
}

// LocalFollowedUserIDs returns the user ids a local user (by their own
// actor URI) follows with an accepted state.
func (s *Store) LocalFollowedUserIDs(ctx context.Context, followerActorURI string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT target_user_id FROM user_follows WHERE follower_ap_id = %s AND state = 'accepted'`, s.ph(1)), followerActorURI)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// commentFeedSource implements feed.Source over comments on articles the
// user authored or previously commented on.
type commentFeedSource struct{ s *Store }

func (c commentFeedSource) Fetch(ctx context.Context, userID string, limit, offset int) ([]feed.Item, int, error) {
	q := fmt.Sprintf(`SELECT cm.id, cm.created_at FROM comments cm
		WHERE cm.deleted_at IS NULL AND cm.article_id IN (
			SELECT id FROM articles WHERE author_id = %s
			UNION
			SELECT article_id FROM comments WHERE author_id = %s
		)
		AND (cm.author_id IS NULL OR cm.author_id NOT IN (
			SELECT blocked_user_id FROM user_blocks WHERE user_id = %s AND blocked_user_id IS NOT NULL
			UNION SELECT muted_user_id FROM user_mutes WHERE user_id = %s AND muted_user_id IS NOT NULL
		))
		ORDER BY cm.created_at DESC LIMIT %s OFFSET %s`,
		c.s.ph(1), c.s.ph(2), c.s.ph(3), c.s.ph(4), c.s.ph(5), c.s.ph(6))
	rows, err := c.s.db.QueryContext(ctx, q, userID, userID, userID, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []feed.Item
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, 0, err
		}
		t, _ := parseTime(createdAt)
		items = append(items, feed.Item{Kind: feed.KindComment, ID: id, SortedAt: t})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM comments WHERE deleted_at IS NULL AND article_id IN (
		SELECT id FROM articles WHERE author_id = %s UNION SELECT article_id FROM comments WHERE author_id = %s)
		AND (author_id IS NULL OR author_id NOT IN (
			SELECT blocked_user_id FROM user_blocks WHERE user_id = %s AND blocked_user_id IS NOT NULL
			UNION SELECT muted_user_id FROM user_mutes WHERE user_id = %s AND muted_user_id IS NOT NULL))`,
		c.s.ph(1), c.s.ph(2), c.s.ph(3), c.s.ph(4))
	if err := c.s.db.QueryRowContext(ctx, countQ, userID, userID, userID, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FeedSources returns the three feed.Source implementations backing
// FeedMaterializer, in merge order.
func (s *Store) FeedSources() (feedItems, articles, comments feed.Source) {
	return feedItemSource{s}, articleFeedSource{s}, commentFeedSource{s}
}
