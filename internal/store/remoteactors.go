package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
)

// LoadActor implements actorresolver.Recorder.
func (s *Store) LoadActor(ctx context.Context, apID string) (*actorresolver.Actor, error) {
	q := fmt.Sprintf(`SELECT ap_id, inbox, shared_inbox, preferred_username, domain, public_key_pem, fetched_at FROM remote_actors WHERE ap_id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, apID)

	var a actorresolver.Actor
	var sharedInbox sql.NullString
	var fetchedAt string
	err := row.Scan(&a.ID, &a.Inbox, &sharedInbox, &a.PreferredUsername, &a.Domain, &a.PublicKeyPEM, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.SharedInbox = sharedInbox.String
	a.FetchedAt, err = parseTime(fetchedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveActor implements actorresolver.Recorder (upsert by ap_id).
func (s *Store) SaveActor(ctx context.Context, a *actorresolver.Actor) error {
	if s.driver == "postgres" {
		q := `INSERT INTO remote_actors (id, ap_id, inbox, shared_inbox, preferred_username, domain, public_key_pem, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ap_id) DO UPDATE SET inbox = $3, shared_inbox = $4, preferred_username = $5, domain = $6, public_key_pem = $7, fetched_at = $8`
		_, err := s.db.ExecContext(ctx, q, newID(), a.ID, a.Inbox, a.SharedInbox, a.PreferredUsername, a.Domain, a.PublicKeyPEM, formatTime(a.FetchedAt))
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM remote_actors WHERE ap_id = ?`, a.ID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remote_actors (id, ap_id, inbox, shared_inbox, preferred_username, domain, public_key_pem, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), a.ID, a.Inbox, a.SharedInbox, a.PreferredUsername, a.Domain, a.PublicKeyPEM, formatTime(a.FetchedAt),
	)
	return err
}
