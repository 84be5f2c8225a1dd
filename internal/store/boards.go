package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Board is the local-group entity. Boards below guest visibility are
// excluded from federation entirely, per the private-board invariant.
type Board struct {
	ID                string
	Slug              string
	APID              string
	Name              string
	Description       string
	ParentBoardID     string
	Private           bool
	Locked            bool
	APEnabled         bool
	APAcceptPolicy    string
	MinRoleToView     string
	CreatedAt         time.Time
}

// CreateBoard inserts a new board row. The caller is responsible for slug
// format validation (see validSlug).
func (s *Store) CreateBoard(ctx context.Context, b *Board) (string, error) {
	id := newID()
	q := fmt.Sprintf(`INSERT INTO boards (id, slug, ap_id, name, description, parent_board_id, private, locked, ap_enabled, ap_accept_policy, min_role_to_view, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))
	_, err := s.db.ExecContext(ctx, q, id, b.Slug, b.APID, b.Name, nullableString(b.Description),
		nullableString(b.ParentBoardID), boolToInt(b.Private), boolToInt(b.Locked), boolToInt(b.APEnabled),
		b.APAcceptPolicy, b.MinRoleToView, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("store: create board: %w", err)
	}
	return id, nil
}

func (s *Store) scanBoard(row *sql.Row) (*Board, error) {
	var b Board
	var desc, parent sql.NullString
	var priv, locked, apEnabled int
	var created string
	err := row.Scan(&b.ID, &b.Slug, &b.APID, &b.Name, &desc, &parent, &priv, &locked, &apEnabled, &b.APAcceptPolicy, &b.MinRoleToView, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Description = desc.String
	b.ParentBoardID = parent.String
	b.Private = priv != 0
	b.Locked = locked != 0
	b.APEnabled = apEnabled != 0
	b.CreatedAt, _ = parseTime(created)
	return &b, nil
}

func (s *Store) GetBoardBySlug(ctx context.Context, slug string) (*Board, error) {
	q := fmt.Sprintf(`SELECT id, slug, ap_id, name, description, parent_board_id, private, locked, ap_enabled, ap_accept_policy, min_role_to_view, created_at
		FROM boards WHERE slug = %s`, s.ph(1))
	return s.scanBoard(s.db.QueryRowContext(ctx, q, slug))
}

func (s *Store) GetBoardByID(ctx context.Context, id string) (*Board, error) {
	q := fmt.Sprintf(`SELECT id, slug, ap_id, name, description, parent_board_id, private, locked, ap_enabled, ap_accept_policy, min_role_to_view, created_at
		FROM boards WHERE id = %s`, s.ph(1))
	return s.scanBoard(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) GetBoardByAPID(ctx context.Context, apID string) (*Board, error) {
	q := fmt.Sprintf(`SELECT id, slug, ap_id, name, description, parent_board_id, private, locked, ap_enabled, ap_accept_policy, min_role_to_view, created_at
		FROM boards WHERE ap_id = %s`, s.ph(1))
	return s.scanBoard(s.db.QueryRowContext(ctx, q, apID))
}

// ListPublicAPBoards returns federation-visible boards (ap_enabled, not
// private), newest first, one page of 20.
func (s *Store) ListPublicAPBoards(ctx context.Context, page int) ([]*Board, int, error) {
	offset := (page - 1) * 20
	q := fmt.Sprintf(`SELECT id, slug, ap_id, name, description, parent_board_id, private, locked, ap_enabled, ap_accept_policy, min_role_to_view, created_at
		FROM boards WHERE ap_enabled = 1 AND private = 0 ORDER BY created_at DESC LIMIT %s OFFSET %s`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, 20, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var boards []*Board
	for rows.Next() {
		var b Board
		var desc, parent sql.NullString
		var priv, locked, apEnabled int
		var created string
		if err := rows.Scan(&b.ID, &b.Slug, &b.APID, &b.Name, &desc, &parent, &priv, &locked, &apEnabled, &b.APAcceptPolicy, &b.MinRoleToView, &created); err != nil {
			return nil, 0, err
		}
		b.Description = desc.String
		b.ParentBoardID = parent.String
		b.Private = priv != 0
		b.Locked = locked != 0
		b.APEnabled = apEnabled != 0
		b.CreatedAt, _ = parseTime(created)
		boards = append(boards, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQ := `SELECT COUNT(*) FROM boards WHERE ap_enabled = 1 AND private = 0`
	if err := s.db.QueryRowContext(ctx, countQ).Scan(&total); err != nil {
		return nil, 0, err
	}
	return boards, total, nil
}

// ResolveLocalBoardIDs maps a set of actor URIs to the local board ids they
// identify, silently dropping URIs that aren't local boards or that are
// private (private boards are invisible to federation).
func (s *Store) ResolveLocalBoardIDs(ctx context.Context, uris []string) ([]string, error) {
	var ids []string
	for _, uri := range uris {
		b, err := s.GetBoardByAPID(ctx, uri)
		if err != nil {
			return nil, err
		}
		if b == nil || b.Private || !b.APEnabled {
			continue
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// ListSubBoardAPIDs returns the actor URIs of a board's federation-visible
// children, for the Group actor's subBoards extension field.
func (s *Store) ListSubBoardAPIDs(ctx context.Context, parentID string) ([]string, error) {
	q := fmt.Sprintf(`SELECT ap_id FROM boards WHERE parent_board_id = %s AND ap_enabled = 1 AND private = 0 ORDER BY slug ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

func (s *Store) BoardFollowersOnlyPolicy(ctx context.Context, boardID string) (bool, error) {
	b, err := s.GetBoardByID(ctx, boardID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, fmt.Errorf("store: board %s not found", boardID)
	}
	return b.APAcceptPolicy == "followers_only", nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// validSlug checks the board slug format: ^[a-z0-9]+(-[a-z0-9]+)*$.
func validSlug(slug string) bool {
	if slug == "" {
		return false
	}
	for _, part := range strings.Split(slug, "-") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}
