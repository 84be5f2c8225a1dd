package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
)

func (s *Store) scanCredentials(row *sql.Row) (*auth.Credentials, error) {
	var c auth.Credentials
	var totpSecret []byte
	var totpEnabled int
	err := row.Scan(&c.ID, &c.Username, &c.PasswordHash, &c.Role, &c.Status, &totpEnabled, &totpSecret, &c.TOTPSince)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.TOTPEnabled = totpEnabled != 0
	c.TOTPEncryptedSecret = totpSecret
	return &c, nil
}

const credentialsColumns = `id, username, password_hash, role, status, totp_enabled, totp_encrypted_secret, totp_since`

// CreateUser inserts a new account with the given username and bcrypt
// password hash, defaulting to role "user" and status "active". It returns
// the generated id.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (string, error) {
	id := newID()
	q := fmt.Sprintf(`INSERT INTO users (id, username, password_hash, role, status, totp_enabled, totp_since, created_at) VALUES (%s)`, s.phList(1, 8))
	_, err := s.db.ExecContext(ctx, q, id, username, passwordHash, string(auth.RoleUser), string(auth.StatusActive), 0, 0, formatTime(time.Now()))
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetCredentialsByUsername implements auth.UserStore. Username comparison is
// case-insensitive, matching the unique index on LOWER(username).
func (s *Store) GetCredentialsByUsername(ctx context.Context, username string) (*auth.Credentials, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE LOWER(username) = LOWER(%s)`, credentialsColumns, s.ph(1))
	return s.scanCredentials(s.db.QueryRowContext(ctx, q, username))
}

// GetCredentialsByID implements auth.UserStore.
func (s *Store) GetCredentialsByID(ctx context.Context, userID string) (*auth.Credentials, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = %s`, credentialsColumns, s.ph(1))
	return s.scanCredentials(s.db.QueryRowContext(ctx, q, userID))
}

// UpdatePasswordHash implements auth.UserStore.
func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	q := fmt.Sprintf(`UPDATE users SET password_hash = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, hash, userID)
	return err
}

// EnableTOTP implements auth.UserStore: it enables MFA and replaces the
// recovery code set in a single transaction so a crash between the two
// writes can never leave a user with TOTP on but no recovery codes.
func (s *Store) EnableTOTP(ctx context.Context, userID string, encryptedSecret []byte, recoveryCodeHashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`UPDATE users SET totp_enabled = 1, totp_encrypted_secret = %s, totp_since = 0 WHERE id = %s`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, q, encryptedSecret, userID); err != nil {
		return err
	}
	if err := replaceRecoveryCodesTx(ctx, tx, s, userID, recoveryCodeHashes); err != nil {
		return err
	}
	return tx.Commit()
}

// DisableTOTP implements auth.UserStore.
func (s *Store) DisableTOTP(ctx context.Context, userID string) error {
	q := fmt.Sprintf(`UPDATE users SET totp_enabled = 0, totp_encrypted_secret = NULL, totp_since = 0 WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, userID)
	return err
}

// UpdateTOTPSince implements auth.UserStore.
func (s *Store) UpdateTOTPSince(ctx context.Context, userID string, since int64) error {
	q := fmt.Sprintf(`UPDATE users SET totp_since = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, since, userID)
	return err
}

// RecordLoginAttempt implements auth.UserStore.
func (s *Store) RecordLoginAttempt(ctx context.Context, username, ip string, success bool) error {
	var userID sql.NullString
	if cred, err := s.GetCredentialsByUsername(ctx, username); err == nil && cred != nil {
		userID = sql.NullString{String: cred.ID, Valid: true}
	}
	q := fmt.Sprintf(`INSERT INTO login_attempts (id, user_id, username, ip_address, success, created_at) VALUES (%s)`, s.phList(1, 6))
	_, err := s.db.ExecContext(ctx, q, newID(), userID, username, ip, success, formatTime(time.Now()))
	return err
}

// ReapLoginAttempts deletes audit rows older than before (the 7-day
// retention window).
func (s *Store) ReapLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM login_attempts WHERE created_at < %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, q, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetUnusedRecoveryCodes implements auth.UserStore.
func (s *Store) GetUnusedRecoveryCodes(ctx context.Context, userID string) ([]auth.RecoveryCode, error) {
	q := fmt.Sprintf(`SELECT id, user_id, code_hash, used_at FROM recovery_codes WHERE user_id = %s AND used_at IS NULL`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []auth.RecoveryCode
	for rows.Next() {
		var c auth.RecoveryCode
		var usedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &usedAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			t, err := parseTime(usedAt.String)
			if err == nil {
				c.UsedAt = &t
			}
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// MarkRecoveryCodeUsed implements auth.UserStore.
func (s *Store) MarkRecoveryCodeUsed(ctx context.Context, codeID string) error {
	q := fmt.Sprintf(`UPDATE recovery_codes SET used_at = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, formatTime(time.Now()), codeID)
	return err
}

// ReplaceRecoveryCodes implements auth.UserStore.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := replaceRecoveryCodesTx(ctx, tx, s, userID, hashes); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceRecoveryCodesTx(ctx context.Context, tx *sql.Tx, s *Store, userID string, hashes []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM recovery_codes WHERE user_id = %s`, s.ph(1)), userID); err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO recovery_codes (id, user_id, code_hash, used_at) VALUES (%s)`, s.phList(1, 4))
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, insert, newID(), userID, h, nil); err != nil {
			return err
		}
	}
	return nil
}
