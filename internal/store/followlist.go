package store

import (
	"context"
	"fmt"
)

const followPageSize = 20

// ListUserFollowers returns the actor URIs with an accepted follow pointing
// at userID, for the /ap/users/{username}/followers collection.
func (s *Store) ListUserFollowers(ctx context.Context, userID string, page int) ([]string, int, error) {
	offset := (page - 1) * followPageSize
	q := fmt.Sprintf(`SELECT follower_ap_id FROM user_follows WHERE target_user_id = %s AND state = 'accepted'
		ORDER BY created_at DESC LIMIT %s OFFSET %s`, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, userID, followPageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM user_follows WHERE target_user_id = %s AND state = 'accepted'`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, countQ, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

// ListUserFollowing returns the actor URIs a user follows with an accepted
// state: remote actors followed directly, plus other local users followed
// under their own actor URI, for the /ap/users/{username}/following collection.
func (s *Store) ListUserFollowing(ctx context.Context, userID, ownActorURI string, page int) ([]string, int, error) {
	offset := (page - 1) * followPageSize
	q := fmt.Sprintf(`
		SELECT ap_id FROM (
			SELECT ra.ap_id AS ap_id, urf.created_at AS created_at
			FROM user_remote_follows urf JOIN remote_actors ra ON ra.id = urf.remote_actor_id
			WHERE urf.user_id = %s AND urf.state = 'accepted'
			UNION ALL
			SELECT u.ap_id AS ap_id, uf.created_at AS created_at
			FROM user_follows uf JOIN users u ON u.id = uf.target_user_id
			WHERE uf.follower_ap_id = %s AND uf.state = 'accepted'
		) combined ORDER BY created_at DESC LIMIT %s OFFSET %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	rows, err := s.db.QueryContext(ctx, q, userID, ownActorURI, followPageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT
		(SELECT COUNT(*) FROM user_remote_follows WHERE user_id = %s AND state = 'accepted') +
		(SELECT COUNT(*) FROM user_follows WHERE follower_ap_id = %s AND state = 'accepted')`,
		s.ph(1), s.ph(2))
	if err := s.db.QueryRowContext(ctx, countQ, userID, ownActorURI).Scan(&total); err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

// ListBoardFollowers returns the actor URIs with an accepted follow pointing
// at boardID, for the /ap/boards/{slug}/followers collection.
func (s *Store) ListBoardFollowers(ctx context.Context, boardID string, page int) ([]string, int, error) {
	offset := (page - 1) * followPageSize
	q := fmt.Sprintf(`SELECT follower_ap_id FROM board_follows WHERE target_board_id = %s AND state = 'accepted'
		ORDER BY created_at DESC LIMIT %s OFFSET %s`, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, boardID, followPageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM board_follows WHERE target_board_id = %s AND state = 'accepted'`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, countQ, boardID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

// FollowPageSize is the fixed AP collection page size.
func FollowPageSize() int { return followPageSize }
