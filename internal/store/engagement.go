package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateArticleLike implements inbox.Store for inbound Like(Article). It
// returns the liked article's local author (empty if the article is remote
// or absent) so the caller can decide whether to notify, and whether a new
// row was actually inserted (the unique index makes a repeat Like a no-op).
func (s *Store) CreateArticleLike(ctx context.Context, apID, articleAPID, remoteActorID string) (articleAuthorUserID string, inserted bool, err error) {
	var articleID string
	var authorID sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, author_id FROM articles WHERE ap_id = %s`, s.ph(1)), articleAPID).Scan(&articleID, &authorID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	actorRowID, err := s.remoteActorIDByAPID(ctx, remoteActorID)
	if err != nil {
		return "", false, err
	}

	q := fmt.Sprintf(`%s INTO article_likes (id, ap_id, article_id, remote_actor_id, created_at) VALUES (%s, %s, %s, %s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.onConflictDoNothing())
	res, err := s.db.ExecContext(ctx, q, newID(), apID, articleID, actorRowID, formatTime(time.Now()))
	if err != nil {
		return "", false, fmt.Errorf("store: create article like: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", false, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE articles SET like_count = like_count + 1 WHERE id = %s`, s.ph(1)), articleID); err != nil {
		return "", false, err
	}
	return authorID.String, true, nil
}

// DeleteArticleLikeByActor implements inbox.Store for inbound Undo(Like),
// scoped by (object ap_id, actor) to prevent spoofed revocations.
func (s *Store) DeleteArticleLikeByActor(ctx context.Context, articleAPID, remoteActorAPID string) error {
	actorRowID, err := s.remoteActorIDByAPID(ctx, remoteActorAPID)
	if err != nil || actorRowID == "" {
		return err
	}
	var articleID string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM articles WHERE ap_id = %s`, s.ph(1)), articleAPID).Scan(&articleID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM article_likes WHERE article_id = %s AND remote_actor_id = %s`, s.ph(1), s.ph(2)), articleID, actorRowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE articles SET like_count = like_count - 1 WHERE id = %s AND like_count > 0`, s.ph(1)), articleID)
	}
	return err
}

// CreateAnnounce implements inbox.Store for inbound Announce.
func (s *Store) CreateAnnounce(ctx context.Context, apID, objectAPID, remoteActorAPID string) (inserted bool, err error) {
	actorRowID, err := s.remoteActorIDByAPID(ctx, remoteActorAPID)
	if err != nil || actorRowID == "" {
		return false, err
	}
	q := fmt.Sprintf(`%s INTO announces (id, ap_id, object_ap_id, remote_actor_id, created_at) VALUES (%s, %s, %s, %s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.onConflictDoNothing())
	res, err := s.db.ExecContext(ctx, q, newID(), apID, objectAPID, actorRowID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("store: create announce: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAnnounceByActor implements inbox.Store for inbound Undo(Announce).
func (s *Store) DeleteAnnounceByActor(ctx context.Context, objectAPID, remoteActorAPID string) error {
	actorRowID, err := s.remoteActorIDByAPID(ctx, remoteActorAPID)
	if err != nil || actorRowID == "" {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM announces WHERE object_ap_id = %s AND remote_actor_id = %s`, s.ph(1), s.ph(2)), objectAPID, actorRowID)
	return err
}
