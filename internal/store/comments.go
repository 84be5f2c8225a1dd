package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Comment is the hierarchical reply entity. Exactly one of AuthorID /
// RemoteActorID is set.
type Comment struct {
	ID              string
	APID            string
	ArticleID       string
	ParentCommentID string
	AuthorID        string
	RemoteActorID   string
	ContentMarkdown string
	ContentHTML     string
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

// CreateLocalComment inserts a locally-authored comment and bumps its
// article's comment_count.
func (s *Store) CreateLocalComment(ctx context.Context, c *Comment) (string, error) {
	id := newID()
	now := time.Now()
	q := fmt.Sprintf(`INSERT INTO comments (id, ap_id, article_id, parent_comment_id, author_id, content_markdown, content_html, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.db.ExecContext(ctx, q, id, c.APID, c.ArticleID, nullableString(c.ParentCommentID), c.AuthorID, c.ContentMarkdown, c.ContentHTML, formatTime(now))
	if err != nil {
		return "", fmt.Errorf("store: create comment: %w", err)
	}
	return id, s.bumpCommentCount(ctx, c.ArticleID)
}

// CreateRemoteComment implements inbox.Store for inbound Create(Note) with
// inReplyTo set. It resolves the parent article by ap_id and returns the
// local author's user id (if the parent is a local article) so the caller
// can raise a comment_reply notification.
func (s *Store) CreateRemoteComment(ctx context.Context, apID, remoteActorID, inReplyToAPID, content string, published time.Time) (commentID string, authorUserID string, err error) {
	var articleID string
	var parentAuthorID sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, author_id FROM articles WHERE ap_id = %s`, s.ph(1)), inReplyToAPID).Scan(&articleID, &parentAuthorID)
	if err == sql.ErrNoRows {
		// reply to a comment, not an article root: find the comment's article
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT article_id FROM comments WHERE ap_id = %s`, s.ph(1)), inReplyToAPID).Scan(&articleID)
		if err == sql.ErrNoRows {
			return "", "", nil // orphaned reply to an object we never saw; drop it
		}
	}
	if err != nil {
		return "", "", err
	}

	id := newID()
	q := fmt.Sprintf(`INSERT INTO comments (id, ap_id, article_id, remote_actor_id, content_markdown, content_html, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.ExecContext(ctx, q, id, apID, articleID, remoteActorID, content, content, formatTime(published))
	if err != nil {
		return "", "", fmt.Errorf("store: create remote comment: %w", err)
	}
	if err := s.bumpCommentCount(ctx, articleID); err != nil {
		return "", "", err
	}
	return id, parentAuthorID.String, nil
}

func (s *Store) bumpCommentCount(ctx context.Context, articleID string) error {
	q := fmt.Sprintf(`UPDATE articles SET comment_count = comment_count + 1 WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, articleID)
	return err
}

// ListReplies returns non-deleted comments for an article, oldest first —
// comments are ordered by created_at (a federated reply's published time)
// at read time; clients tolerate
// reordering on refetch.
func (s *Store) ListReplies(ctx context.Context, articleID string) ([]*Comment, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, article_id, parent_comment_id, author_id, remote_actor_id, content_markdown, content_html, created_at, deleted_at
		FROM comments WHERE article_id = %s AND deleted_at IS NULL ORDER BY created_at ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		var c Comment
		var parent, authorID, remoteActorID, deletedAt sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &c.APID, &c.ArticleID, &parent, &authorID, &remoteActorID, &c.ContentMarkdown, &c.ContentHTML, &created, &deletedAt); err != nil {
			return nil, err
		}
		c.ParentCommentID = parent.String
		c.AuthorID = authorID.String
		c.RemoteActorID = remoteActorID.String
		c.CreatedAt, _ = parseTime(created)
		if deletedAt.Valid {
			t, _ := parseTime(deletedAt.String)
			c.DeletedAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
