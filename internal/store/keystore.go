package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
)

// keyTable returns the entity table backing a keystore.EntityKind. The site
// actor is a singleton row in site_keys; users and boards carry their
// keypair columns inline.
func keyTable(kind keystore.EntityKind) (table string, idCol string, err error) {
	switch kind {
	case keystore.EntityUser:
		return "users", "id", nil
	case keystore.EntityBoard:
		return "boards", "id", nil
	case keystore.EntitySite:
		return "site_keys", "id", nil
	default:
		return "", "", fmt.Errorf("store: unknown key entity kind %q", kind)
	}
}

// LoadKeyPair implements keystore.Recorder.
func (s *Store) LoadKeyPair(ctx context.Context, kind keystore.EntityKind, id string) (*keystore.KeyPair, error) {
	table, idCol, err := keyTable(kind)
	if err != nil {
		return nil, err
	}

	if kind == keystore.EntitySite {
		var kp keystore.KeyPair
		row := s.db.QueryRowContext(ctx, `SELECT public_key_pem, encrypted_private_key_pem FROM site_keys WHERE id = `+s.ph(1), "site")
		if err := row.Scan(&kp.PublicKeyPEM, &kp.EncryptedPrivateKeyPEM); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, err
		}
		return &kp, nil
	}

	query := fmt.Sprintf(`SELECT public_key_pem, encrypted_private_key_pem FROM %s WHERE %s = %s`, table, idCol, s.ph(1))
	var pubPEM sql.NullString
	var encPriv []byte
	row := s.db.QueryRowContext(ctx, query, id)
	if err := row.Scan(&pubPEM, &encPriv); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if !pubPEM.Valid || pubPEM.String == "" {
		return nil, nil
	}
	return &keystore.KeyPair{PublicKeyPEM: pubPEM.String, EncryptedPrivateKeyPEM: encPriv}, nil
}

// SaveKeyPair implements keystore.Recorder.
func (s *Store) SaveKeyPair(ctx context.Context, kind keystore.EntityKind, id string, kp *keystore.KeyPair) error {
	table, idCol, err := keyTable(kind)
	if err != nil {
		return err
	}

	if kind == keystore.EntitySite {
		_, err := s.db.ExecContext(ctx, `DELETE FROM site_keys WHERE id = `+s.ph(1), "site")
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO site_keys (id, public_key_pem, encrypted_private_key_pem) VALUES (`+s.phList(1, 3)+`)`,
			"site", kp.PublicKeyPEM, kp.EncryptedPrivateKeyPEM,
		)
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET public_key_pem = %s, encrypted_private_key_pem = %s WHERE %s = %s`,
		table, s.ph(1), s.ph(2), idCol, s.ph(3))
	res, err := s.db.ExecContext(ctx, query, kp.PublicKeyPEM, kp.EncryptedPrivateKeyPEM, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: save keypair: no %s row with id %s", table, id)
	}
	return nil
}
