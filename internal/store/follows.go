package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hiroshiyui/baudrate-sub002/internal/follow"
)

// CreateUserFollow implements follow.Store.
func (s *Store) CreateUserFollow(ctx context.Context, f *follow.UserFollow) error {
	if f.ID == "" {
		f.ID = newID()
	}
	q := fmt.Sprintf(`INSERT INTO user_follows (id, ap_id, follower_ap_id, target_user_id, state, created_at)
		VALUES (%s)`, s.phList(1, 6))
	_, err := s.db.ExecContext(ctx, q, f.ID, nullableString(f.APID), f.FollowerAPID, f.TargetUserID, string(f.State), formatTime(f.CreatedAt))
	return err
}

func (s *Store) GetUserFollowByAPID(ctx context.Context, apID string) (*follow.UserFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, follower_ap_id, target_user_id, state, created_at FROM user_follows WHERE ap_id = %s`, s.ph(1))
	return scanUserFollow(s.db.QueryRowContext(ctx, q, apID))
}

func (s *Store) GetUserFollowByPair(ctx context.Context, followerAPID, targetUserID string) (*follow.UserFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, follower_ap_id, target_user_id, state, created_at FROM user_follows WHERE follower_ap_id = %s AND target_user_id = %s`, s.ph(1), s.ph(2))
	return scanUserFollow(s.db.QueryRowContext(ctx, q, followerAPID, targetUserID))
}

func (s *Store) SetUserFollowState(ctx context.Context, id string, state follow.State) error {
	q := fmt.Sprintf(`UPDATE user_follows SET state = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, string(state), id)
	return err
}

func (s *Store) DeleteUserFollow(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM user_follows WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func (s *Store) MigrateUserFollows(ctx context.Context, oldActorAPID, newActorAPID string) error {
	if s.driver == "postgres" {
		q := `UPDATE user_follows SET follower_ap_id = $1 WHERE follower_ap_id = $2
			AND NOT EXISTS (SELECT 1 FROM user_follows o WHERE o.follower_ap_id = $1 AND o.target_user_id = user_follows.target_user_id)`
		_, err := s.db.ExecContext(ctx, q, newActorAPID, oldActorAPID)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `DELETE FROM user_follows WHERE follower_ap_id = $1`, oldActorAPID)
		return err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, target_user_id FROM user_follows WHERE follower_ap_id = ?`, oldActorAPID)
	if err != nil {
		return err
	}
	type row struct{ id, target string }
	var toMigrate []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.target); err != nil {
			rows.Close()
			return err
		}
		toMigrate = append(toMigrate, r)
	}
	rows.Close()

	for _, r := range toMigrate {
		existing, err := s.GetUserFollowByPair(ctx, newActorAPID, r.target)
		if err != nil {
			return err
		}
		if existing != nil {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM user_follows WHERE id = ?`, r.id); err != nil {
				return err
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE user_follows SET follower_ap_id = ? WHERE id = ?`, newActorAPID, r.id); err != nil {
			return err
		}
	}
	return nil
}

func scanUserFollow(row *sql.Row) (*follow.UserFollow, error) {
	var f follow.UserFollow
	var apID sql.NullString
	var state, created string
	err := row.Scan(&f.ID, &apID, &f.FollowerAPID, &f.TargetUserID, &state, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.APID = apID.String
	f.State = follow.State(state)
	f.CreatedAt, err = parseTime(created)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateBoardFollow implements follow.Store.
func (s *Store) CreateBoardFollow(ctx context.Context, f *follow.BoardFollow) error {
	if f.ID == "" {
		f.ID = newID()
	}
	q := fmt.Sprintf(`INSERT INTO board_follows (id, ap_id, follower_ap_id, target_board_id, state, created_at)
		VALUES (%s)`, s.phList(1, 6))
	_, err := s.db.ExecContext(ctx, q, f.ID, nullableString(f.APID), f.FollowerAPID, f.TargetBoardID, string(f.State), formatTime(f.CreatedAt))
	return err
}

func (s *Store) GetBoardFollowByAPID(ctx context.Context, apID string) (*follow.BoardFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, follower_ap_id, target_board_id, state, created_at FROM board_follows WHERE ap_id = %s`, s.ph(1))
	return scanBoardFollow(s.db.QueryRowContext(ctx, q, apID))
}

func (s *Store) GetBoardFollowByPair(ctx context.Context, followerAPID, targetBoardID string) (*follow.BoardFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, follower_ap_id, target_board_id, state, created_at FROM board_follows WHERE follower_ap_id = %s AND target_board_id = %s`, s.ph(1), s.ph(2))
	return scanBoardFollow(s.db.QueryRowContext(ctx, q, followerAPID, targetBoardID))
}

func (s *Store) SetBoardFollowState(ctx context.Context, id string, state follow.State) error {
	q := fmt.Sprintf(`UPDATE board_follows SET state = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, string(state), id)
	return err
}

func (s *Store) DeleteBoardFollow(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM board_follows WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func scanBoardFollow(row *sql.Row) (*follow.BoardFollow, error) {
	var f follow.BoardFollow
	var apID sql.NullString
	var state, created string
	err := row.Scan(&f.ID, &apID, &f.FollowerAPID, &f.TargetBoardID, &state, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.APID = apID.String
	f.State = follow.State(state)
	f.CreatedAt, err = parseTime(created)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateRemoteActorFollow implements follow.Store.
func (s *Store) CreateRemoteActorFollow(ctx context.Context, f *follow.RemoteActorFollow) error {
	if f.ID == "" {
		f.ID = newID()
	}
	q := fmt.Sprintf(`INSERT INTO user_remote_follows (id, ap_id, user_id, remote_actor_id, state, created_at)
		VALUES (%s)`, s.phList(1, 6))
	_, err := s.db.ExecContext(ctx, q, f.ID, nullableString(f.APID), f.UserID, f.RemoteActorID, string(f.State), formatTime(f.CreatedAt))
	return err
}

func (s *Store) GetRemoteActorFollowByAPID(ctx context.Context, apID string) (*follow.RemoteActorFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, user_id, remote_actor_id, state, created_at FROM user_remote_follows WHERE ap_id = %s`, s.ph(1))
	return scanRemoteActorFollow(s.db.QueryRowContext(ctx, q, apID))
}

func (s *Store) GetRemoteActorFollowByPair(ctx context.Context, userID, remoteActorID string) (*follow.RemoteActorFollow, error) {
	q := fmt.Sprintf(`SELECT id, ap_id, user_id, remote_actor_id, state, created_at FROM user_remote_follows WHERE user_id = %s AND remote_actor_id = %s`, s.ph(1), s.ph(2))
	return scanRemoteActorFollow(s.db.QueryRowContext(ctx, q, userID, remoteActorID))
}

func (s *Store) SetRemoteActorFollowState(ctx context.Context, id string, state follow.State) error {
	q := fmt.Sprintf(`UPDATE user_remote_follows SET state = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, string(state), id)
	return err
}

func (s *Store) DeleteRemoteActorFollow(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM user_remote_follows WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func scanRemoteActorFollow(row *sql.Row) (*follow.RemoteActorFollow, error) {
	var f follow.RemoteActorFollow
	var apID sql.NullString
	var state, created string
	err := row.Scan(&f.ID, &apID, &f.UserID, &f.RemoteActorID, &state, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.APID = apID.String
	f.State = follow.State(state)
	f.CreatedAt, err = parseTime(created)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
