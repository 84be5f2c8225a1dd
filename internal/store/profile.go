package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// UserProfile carries the fields needed to render a user's Person actor
// document and WebFinger record, as distinct from auth.Credentials which
// only carries auth-relevant columns.
type UserProfile struct {
	ID               string
	Username         string
	Role             string
	Status           string
	AvatarID         string
	PublicKeyPEM     string
	PreferredLocales []string
	CreatedAt        string
}

func scanUserProfile(row *sql.Row) (*UserProfile, error) {
	var p UserProfile
	var avatarID, pubKey sql.NullString
	var locales string
	err := row.Scan(&p.ID, &p.Username, &p.Role, &p.Status, &avatarID, &pubKey, &locales, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.AvatarID = avatarID.String
	p.PublicKeyPEM = pubKey.String
	if locales != "" {
		_ = json.Unmarshal([]byte(locales), &p.PreferredLocales)
	}
	return &p, nil
}

const profileColumns = `id, username, role, status, avatar_id, public_key_pem, preferred_locales, created_at`

// GetUserProfileByUsername returns the actor-rendering fields for a local
// user, case-insensitively, matching the unique index on LOWER(username).
func (s *Store) GetUserProfileByUsername(ctx context.Context, username string) (*UserProfile, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE LOWER(username) = LOWER(%s)`, profileColumns, s.ph(1))
	return scanUserProfile(s.db.QueryRowContext(ctx, q, username))
}

// GetUserProfileByID returns the actor-rendering fields for a local user.
func (s *Store) GetUserProfileByID(ctx context.Context, userID string) (*UserProfile, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = %s`, profileColumns, s.ph(1))
	return scanUserProfile(s.db.QueryRowContext(ctx, q, userID))
}
