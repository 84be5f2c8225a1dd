package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
)

// CreateWithEviction implements auth.SessionStore. The user_id row is locked
// for the duration of the transaction (via SELECT ... FOR UPDATE on
// postgres; SQLite's single-writer semantics under WAL already serialize
// this), so no window exists where a concurrent login could observe stale
// session counts and let a user exceed maxSessions.
func (s *Store) CreateWithEviction(ctx context.Context, sess *auth.Session, maxSessions int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, sess.UserID); err != nil {
			return fmt.Errorf("store: lock user row: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id, refreshed_at FROM sessions WHERE user_id = %s`, s.ph(1)), sess.UserID)
	if err != nil {
		return err
	}
	type existing struct {
		id          string
		refreshedAt time.Time
	}
	var current []existing
	for rows.Next() {
		var e existing
		var refreshedAtStr string
		if err := rows.Scan(&e.id, &refreshedAtStr); err != nil {
			rows.Close()
			return err
		}
		e.refreshedAt, _ = parseTime(refreshedAtStr)
		current = append(current, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(current) >= maxSessions {
		sort.Slice(current, func(i, j int) bool { return current[i].refreshedAt.Before(current[j].refreshedAt) })
		toEvict := len(current) - maxSessions + 1
		for i := 0; i < toEvict; i++ {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM sessions WHERE id = %s`, s.ph(1)), current[i].id); err != nil {
				return err
			}
		}
	}

	id := newID()
	insert := fmt.Sprintf(`INSERT INTO sessions (id, user_id, token_hash, refresh_token_hash, ip_address, user_agent, expires_at, refreshed_at) VALUES (%s)`, s.phList(1, 8))
	_, err = tx.ExecContext(ctx, insert, id, sess.UserID, sess.TokenHash, sess.RefreshTokenHash, sess.IPAddress, sess.UserAgent, formatTime(sess.ExpiresAt), formatTime(sess.RefreshedAt))
	if err != nil {
		return err
	}
	sess.ID = id
	return tx.Commit()
}

func (s *Store) scanSession(row *sql.Row) (*auth.Session, error) {
	var sess auth.Session
	var expiresAt, refreshedAt string
	var ip, ua sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.RefreshTokenHash, &ip, &ua, &expiresAt, &refreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	sess.ExpiresAt, err = parseTime(expiresAt)
	if err != nil {
		return nil, err
	}
	sess.RefreshedAt, err = parseTime(refreshedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, ip_address, user_agent, expires_at, refreshed_at`

// GetByTokenHash implements auth.SessionStore.
func (s *Store) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE token_hash = %s`, sessionColumns, s.ph(1))
	return s.scanSession(s.db.QueryRowContext(ctx, q, tokenHash))
}

// GetByRefreshTokenHash implements auth.SessionStore.
func (s *Store) GetByRefreshTokenHash(ctx context.Context, refreshTokenHash string) (*auth.Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE refresh_token_hash = %s`, sessionColumns, s.ph(1))
	return s.scanSession(s.db.QueryRowContext(ctx, q, refreshTokenHash))
}

// Rotate implements auth.SessionStore.
func (s *Store) Rotate(ctx context.Context, id, newTokenHash, newRefreshTokenHash string, expiresAt, refreshedAt time.Time) error {
	q := fmt.Sprintf(`UPDATE sessions SET token_hash = %s, refresh_token_hash = %s, expires_at = %s, refreshed_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, newTokenHash, newRefreshTokenHash, formatTime(expiresAt), formatTime(refreshedAt), id)
	return err
}

// Delete implements auth.SessionStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM sessions WHERE id = %s`, s.ph(1)), id)
	return err
}

// PurgeExpired implements auth.SessionStore.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM sessions WHERE expires_at < %s`, s.ph(1)), formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
