package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/inbox"
)

// Article is the post entity. Exactly one of AuthorID/RemoteActorID is
// set, matching the local-xor-remote invariant.
type Article struct {
	ID              string
	Slug            string
	APID            string
	BoardID         string
	AuthorID        string
	RemoteActorID   string
	Title           string
	ContentMarkdown string
	ContentHTML     string
	Summary         string
	Pinned          bool
	Locked          bool
	CommentCount    int
	LikeCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// CreateLocalArticle inserts a locally-authored article and links it to its
// home board (plus any additional boards for cross-posting).
func (s *Store) CreateLocalArticle(ctx context.Context, a *Article, extraBoardIDs []string) (string, error) {
	id := newID()
	now := time.Now()
	q := fmt.Sprintf(`INSERT INTO articles (id, slug, ap_id, board_id, author_id, title, content_markdown, content_html, summary, pinned, locked, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13))
	_, err := s.db.ExecContext(ctx, q, id, a.Slug, a.APID, a.BoardID, a.AuthorID, a.Title,
		a.ContentMarkdown, a.ContentHTML, a.Summary, boolToInt(a.Pinned), boolToInt(a.Locked), formatTime(now), formatTime(now))
	if err != nil {
		return "", fmt.Errorf("store: create article: %w", err)
	}
	boardIDs := append([]string{a.BoardID}, extraBoardIDs...)
	if err := s.AddArticleToBoards(ctx, id, boardIDs); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) scanArticle(row *sql.Row) (*Article, error) {
	var a Article
	var authorID, remoteActorID, summary, deletedAt sql.NullString
	var pinned, locked int
	var created, updated string
	err := row.Scan(&a.ID, &a.Slug, &a.APID, &a.BoardID, &authorID, &remoteActorID, &a.Title,
		&a.ContentMarkdown, &a.ContentHTML, &summary, &pinned, &locked, &a.CommentCount, &a.LikeCount,
		&created, &updated, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.AuthorID = authorID.String
	a.RemoteActorID = remoteActorID.String
	a.Summary = summary.String
	a.Pinned = pinned != 0
	a.Locked = locked != 0
	a.CreatedAt, _ = parseTime(created)
	a.UpdatedAt, _ = parseTime(updated)
	if deletedAt.Valid {
		t, _ := parseTime(deletedAt.String)
		a.DeletedAt = &t
	}
	return &a, nil
}

const articleCols = `id, slug, ap_id, board_id, author_id, remote_actor_id, title, content_markdown, content_html, summary, pinned, locked, comment_count, like_count, created_at, updated_at, deleted_at`

// GetArticleBySlug returns a non-deleted article by slug, or nil if absent
// or soft-deleted — deleted articles stay invisible to listings while
// remaining present for federation Delete idempotence.
func (s *Store) GetArticleBySlug(ctx context.Context, slug string) (*Article, error) {
	q := fmt.Sprintf(`SELECT %s FROM articles WHERE slug = %s AND deleted_at IS NULL`, articleCols, s.ph(1))
	return s.scanArticle(s.db.QueryRowContext(ctx, q, slug))
}

func (s *Store) GetArticleByID(ctx context.Context, id string) (*Article, error) {
	q := fmt.Sprintf(`SELECT %s FROM articles WHERE id = %s`, articleCols, s.ph(1))
	return s.scanArticle(s.db.QueryRowContext(ctx, q, id))
}

// ArticleIDByAPID implements inbox.Store: returns the local article row id
// for a known ap_id, including soft-deleted rows (cross-post dedup must
// still recognize them).
func (s *Store) ArticleIDByAPID(ctx context.Context, apID string) (string, bool, error) {
	var id string
	q := fmt.Sprintf(`SELECT id FROM articles WHERE ap_id = %s`, s.ph(1))
	err := s.db.QueryRowContext(ctx, q, apID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// authorURI resolves the attributedTo actor URI for a local-xor-remote
// authored row: the local author's user actor, or the remote actor's ap_id.
func (s *Store) authorURI(ctx context.Context, authorID, remoteActorID string) (string, error) {
	if authorID != "" {
		var username string
		q := fmt.Sprintf(`SELECT username FROM users WHERE id = %s`, s.ph(1))
		if err := s.db.QueryRowContext(ctx, q, authorID).Scan(&username); err != nil {
			return "", fmt.Errorf("store: author lookup: %w", err)
		}
		return s.userActorURI(username), nil
	}
	var apID string
	q := fmt.Sprintf(`SELECT ap_id FROM remote_actors WHERE id = %s`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, remoteActorID).Scan(&apID); err != nil {
		return "", fmt.Errorf("store: remote author lookup: %w", err)
	}
	return apID, nil
}

// ArticleAuthorURI returns the actor URI an article's AP object attributes to.
func (s *Store) ArticleAuthorURI(ctx context.Context, a *Article) (string, error) {
	return s.authorURI(ctx, a.AuthorID, a.RemoteActorID)
}

// CommentAuthorURI is the comment analogue of ArticleAuthorURI.
func (s *Store) CommentAuthorURI(ctx context.Context, c *Comment) (string, error) {
	return s.authorURI(ctx, c.AuthorID, c.RemoteActorID)
}

// CreateRemoteArticle implements inbox.Store for inbound Create(Article).
func (s *Store) CreateRemoteArticle(ctx context.Context, ra *inbox.RemoteArticle) (string, error) {
	if len(ra.BoardIDs) == 0 {
		return "", fmt.Errorf("store: remote article %s has no resolvable boards", ra.APID)
	}
	id := newID()
	homeBoard := ra.BoardIDs[0]
	q := fmt.Sprintf(`INSERT INTO articles (id, slug, ap_id, board_id, remote_actor_id, title, content_markdown, content_html, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err := s.db.ExecContext(ctx, q, id, id, ra.APID, homeBoard, ra.RemoteActorID, ra.Name, ra.Content, ra.Content,
		formatTime(ra.Published), formatTime(ra.Published))
	if err != nil {
		return "", fmt.Errorf("store: create remote article: %w", err)
	}
	if err := s.AddArticleToBoards(ctx, id, ra.BoardIDs); err != nil {
		return "", err
	}
	return id, nil
}

// AddArticleToBoards links an article to every board id not already linked
// (idempotent, since inbound cross-post Creates may repeat a board).
func (s *Store) AddArticleToBoards(ctx context.Context, articleID string, boardIDs []string) error {
	for _, boardID := range boardIDs {
		q := fmt.Sprintf(`%s INTO article_boards (article_id, board_id) VALUES (%s, %s) %s`,
			s.insertOrIgnore(), s.ph(1), s.ph(2), s.onConflictDoNothing())
		if _, err := s.db.ExecContext(ctx, q, articleID, boardID); err != nil {
			return fmt.Errorf("store: link article to board: %w", err)
		}
	}
	return nil
}

// UpdateArticleContent implements inbox.Store for inbound Update(Article).
func (s *Store) UpdateArticleContent(ctx context.Context, apID, name, content string) error {
	q := fmt.Sprintf(`UPDATE articles SET title = %s, content_markdown = %s, content_html = %s, updated_at = %s WHERE ap_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, name, content, content, formatTime(time.Now()), apID)
	return err
}

// SoftDeleteByAPID marks a single article or comment hidden by ap_id,
// retaining the row for Delete idempotence.
func (s *Store) SoftDeleteByAPID(ctx context.Context, apID string) error {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE articles SET deleted_at = %s WHERE ap_id = %s AND deleted_at IS NULL`, s.ph(1), s.ph(2)), now, apID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE comments SET deleted_at = %s WHERE ap_id = %s AND deleted_at IS NULL`, s.ph(1), s.ph(2)), now, apID)
	return err
}

// SoftDeleteAllByActor bulk soft-deletes every article/comment authored by
// a remote actor that's being Delete(Actor)'d.
func (s *Store) SoftDeleteAllByActor(ctx context.Context, actorAPID string) error {
	remoteActorID, err := s.remoteActorIDByAPID(ctx, actorAPID)
	if err != nil {
		return err
	}
	if remoteActorID == "" {
		return nil
	}
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE articles SET deleted_at = %s WHERE remote_actor_id = %s AND deleted_at IS NULL`, s.ph(1), s.ph(2)), now, remoteActorID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE comments SET deleted_at = %s WHERE remote_actor_id = %s AND deleted_at IS NULL`, s.ph(1), s.ph(2)), now, remoteActorID)
	return err
}

// ListArticlesByBoard returns non-deleted articles for a board, newest
// first, paginated at 20 per page — backs the outbox for board actors.
func (s *Store) ListArticlesByBoard(ctx context.Context, boardID string, page int) ([]*Article, int, error) {
	offset := (page - 1) * 20
	q := fmt.Sprintf(`SELECT %s FROM articles
		WHERE board_id = %s AND deleted_at IS NULL ORDER BY created_at DESC LIMIT %s OFFSET %s`,
		articleCols, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, boardID, 20, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := s.scanArticleRows(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM articles WHERE board_id = %s AND deleted_at IS NULL`, s.ph(1)), boardID).Scan(&total)
	return articles, total, err
}

// ListArticlesByAuthor is the user-actor outbox source.
func (s *Store) ListArticlesByAuthor(ctx context.Context, authorID string, page int) ([]*Article, int, error) {
	offset := (page - 1) * 20
	q := fmt.Sprintf(`SELECT %s FROM articles
		WHERE author_id = %s AND deleted_at IS NULL ORDER BY created_at DESC LIMIT %s OFFSET %s`,
		articleCols, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, authorID, 20, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := s.scanArticleRows(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM articles WHERE author_id = %s AND deleted_at IS NULL`, s.ph(1)), authorID).Scan(&total)
	return articles, total, err
}

// SearchArticles does a plain substring match over title/content; a large
// deployment should back this with a real full-text column.
func (s *Store) SearchArticles(ctx context.Context, query string, page int) ([]*Article, int, error) {
	offset := (page - 1) * 20
	like := "%" + query + "%"
	q := fmt.Sprintf(`SELECT %s FROM articles
		WHERE deleted_at IS NULL AND (title LIKE %s OR content_markdown LIKE %s)
		ORDER BY created_at DESC LIMIT %s OFFSET %s`, articleCols, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	rows, err := s.db.QueryContext(ctx, q, like, like, 20, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := s.scanArticleRows(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM articles WHERE deleted_at IS NULL AND (title LIKE %s OR content_markdown LIKE %s)`, s.ph(1), s.ph(2))
	err = s.db.QueryRowContext(ctx, countQ, like, like).Scan(&total)
	return articles, total, err
}

func (s *Store) scanArticleRows(rows *sql.Rows) ([]*Article, error) {
	defer rows.Close()
	var articles []*Article
	for rows.Next() {
		var a Article
		var authorID, remoteActorID, summary, deletedAt sql.NullString
		var pinned, locked int
		var created, updated string
		if err := rows.Scan(&a.ID, &a.Slug, &a.APID, &a.BoardID, &authorID, &remoteActorID, &a.Title,
			&a.ContentMarkdown, &a.ContentHTML, &summary, &pinned, &locked, &a.CommentCount, &a.LikeCount,
			&created, &updated, &deletedAt); err != nil {
			return nil, err
		}
		a.AuthorID = authorID.String
		a.RemoteActorID = remoteActorID.String
		a.Summary = summary.String
		a.Pinned = pinned != 0
		a.Locked = locked != 0
		a.CreatedAt, _ = parseTime(created)
		a.UpdatedAt, _ = parseTime(updated)
		if deletedAt.Valid {
			t, _ := parseTime(deletedAt.String)
			a.DeletedAt = &t
		}
		articles = append(articles, &a)
	}
	return articles, rows.Err()
}
