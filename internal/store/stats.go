package store

import "context"

// CountUsers returns the number of local accounts, for NodeInfo usage.users.total.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// CountLocalArticles returns the number of non-deleted local posts, for
// NodeInfo usage.localPosts.
func (s *Store) CountLocalArticles(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE deleted_at IS NULL AND remote_actor_id IS NULL`).Scan(&n)
	return n, err
}
