package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/webpush"
)

// ListSubscriptions implements webpush.Store.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*webpush.Subscription, error) {
	q := fmt.Sprintf(`SELECT id, user_id, endpoint, p256dh, auth, created_at, last_used_at FROM push_subscriptions WHERE user_id = %s`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webpush.Subscription
	for rows.Next() {
		var sub webpush.Subscription
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &created, &lastUsed); err != nil {
			return nil, err
		}
		sub.CreatedAt, _ = parseTime(created)
		if lastUsed.Valid {
			sub.LastUsed, _ = parseTime(lastUsed.String)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// TouchSubscription implements webpush.Store, recording a successful push.
func (s *Store) TouchSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE push_subscriptions SET last_used_at = %s WHERE id = %s`, s.ph(1), s.ph(2)), formatTime(time.Now()), id)
	return err
}

// DeleteSubscription implements webpush.Store, dropping a stale endpoint
// after a 404/410 response.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM push_subscriptions WHERE id = %s`, s.ph(1)), id)
	return err
}

// CreateSubscription registers a new push endpoint for a user, replacing
// any existing row for the same endpoint (a browser re-subscribing keeps
// the same endpoint but may rotate keys).
func (s *Store) CreateSubscription(ctx context.Context, userID, endpoint, p256dh, auth string) (string, error) {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM push_subscriptions WHERE endpoint = %s`, s.ph(1)), endpoint); err != nil {
		return "", fmt.Errorf("store: create push subscription: %w", err)
	}
	id := newID()
	q := fmt.Sprintf(`%s INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at) VALUES (%s, %s, %s, %s, %s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.onConflictDoNothing())
	if _, err := s.db.ExecContext(ctx, q, id, userID, endpoint, p256dh, auth, formatTime(time.Now())); err != nil {
		return "", fmt.Errorf("store: create push subscription: %w", err)
	}
	return id, nil
}

// LoadVAPIDKeyPair implements webpush.Store. The keypair is a single
// site-wide row, generated on first use.
func (s *Store) LoadVAPIDKeyPair(ctx context.Context) (publicKey string, encryptedPrivateKey []byte, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT public_key, encrypted_private_key FROM vapid_keys ORDER BY id LIMIT 1`).Scan(&publicKey, &encryptedPrivateKey)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("store: no vapid keypair")
	}
	return publicKey, encryptedPrivateKey, err
}

// SaveVAPIDKeyPair implements webpush.Store.
func (s *Store) SaveVAPIDKeyPair(ctx context.Context, publicKey string, encryptedPrivateKey []byte) error {
	q := fmt.Sprintf(`%s INTO vapid_keys (id, public_key, encrypted_private_key) VALUES (%s, %s, %s) %s`,
		s.insertOrIgnore(), s.ph(1), s.ph(2), s.ph(3), s.onConflictDoNothing())
	_, err := s.db.ExecContext(ctx, q, "site", publicKey, encryptedPrivateKey)
	return err
}
