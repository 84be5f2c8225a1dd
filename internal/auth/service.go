// Package auth implements Baudrate's authentication and session core:
// password verification with constant-time behavior on lookup miss, TOTP
// enrollment and verification with replay protection, recovery codes, and
// dual-token server-side sessions.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/config"
	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

var (
	ErrInvalidCredentials = apperr.New(apperr.KindInvalidCredentials, "invalid username or password")
	ErrSessionNotFound    = apperr.New(apperr.KindUnauthorized, "session not found or expired")
	ErrUserBanned         = apperr.New(apperr.KindBanned, "account is banned")
	ErrTOTPAlreadyEnabled = apperr.New(apperr.KindConflict, "totp is already enabled")
	ErrTOTPNotEnabled     = apperr.New(apperr.KindValidation, "totp is not enabled")
	ErrInvalidTOTPCode    = apperr.New(apperr.KindInvalidCredentials, "invalid totp or recovery code")
)

// Role mirrors User.role from the data model.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)

// Status mirrors User.status.
type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusBanned  Status = "banned"
)

// Credentials is the subset of the User entity the auth service needs to
// authenticate and manage MFA for an account.
type Credentials struct {
	ID                  string
	Username            string
	PasswordHash        string
	Role                Role
	Status              Status
	TOTPEnabled         bool
	TOTPEncryptedSecret []byte
	TOTPSince           int64
}

// RecoveryCode is a single stored one-time code.
type RecoveryCode struct {
	ID       string
	UserID   string
	CodeHash string
	UsedAt   *time.Time
}

// UserStore is the persistence boundary for credential lookups and mutation.
type UserStore interface {
	GetCredentialsByUsername(ctx context.Context, username string) (*Credentials, error)
	GetCredentialsByID(ctx context.Context, userID string) (*Credentials, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	EnableTOTP(ctx context.Context, userID string, encryptedSecret []byte, recoveryCodeHashes []string) error
	DisableTOTP(ctx context.Context, userID string) error
	UpdateTOTPSince(ctx context.Context, userID string, since int64) error
	RecordLoginAttempt(ctx context.Context, username, ip string, success bool) error
	GetUnusedRecoveryCodes(ctx context.Context, userID string) ([]RecoveryCode, error)
	MarkRecoveryCodeUsed(ctx context.Context, codeID string) error
	ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error
}

// Service implements the Auth component: password verify, TOTP,
// recovery codes, and the session/refresh token lifecycle.
type Service struct {
	users     UserStore
	sessions  SessionStore
	totpVault *vault.Vault
	cfg       *config.Config
	log       *slog.Logger

	// dummyHash is computed once at startup so a lookup miss still pays the
	// full bcrypt cost, keeping response timing independent of whether the
	// username exists.
	dummyHash string
}

func NewService(users UserStore, sessions SessionStore, totpVault *vault.Vault, cfg *config.Config, log *slog.Logger) (*Service, error) {
	dummy, err := HashPassword("baudrate-dummy-password-for-constant-time-compare")
	if err != nil {
		return nil, fmt.Errorf("auth: generate dummy hash: %w", err)
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		totpVault: totpVault,
		cfg:       cfg,
		log:       log,
		dummyHash: dummy,
	}, nil
}

// NextStep is the state the login flow should proceed to after a step
// succeeds.
type NextStep string

const (
	StepTOTPVerify    NextStep = "totp_verify"
	StepTOTPSetup     NextStep = "totp_setup"
	StepAuthenticated NextStep = "authenticated"
)

// Authenticate verifies a username/password pair and returns the next step
// in the login flow. On a lookup miss it still performs a dummy bcrypt
// verify so response timing does not reveal whether the username exists.
func (s *Service) Authenticate(ctx context.Context, username, password, ip string) (*Credentials, NextStep, error) {
	creds, err := s.users.GetCredentialsByUsername(ctx, username)
	if err != nil {
		return nil, "", fmt.Errorf("auth: lookup user: %w", err)
	}
	if creds == nil {
		VerifyPassword(password, s.dummyHash)
		s.record(ctx, username, ip, false)
		return nil, "", ErrInvalidCredentials
	}

	if !VerifyPassword(password, creds.PasswordHash) {
		s.record(ctx, username, ip, false)
		return nil, "", ErrInvalidCredentials
	}

	if creds.Status == StatusBanned {
		s.record(ctx, username, ip, false)
		return nil, "", ErrUserBanned
	}

	s.record(ctx, username, ip, true)
	return creds, s.nextStep(creds), nil
}

func (s *Service) nextStep(creds *Credentials) NextStep {
	if creds.TOTPEnabled {
		return StepTOTPVerify
	}
	if rolePolicyRequiresTOTP(creds.Role) {
		return StepTOTPSetup
	}
	return StepAuthenticated
}

func rolePolicyRequiresTOTP(role Role) bool {
	return role == RoleAdmin || role == RoleModerator
}

func (s *Service) record(ctx context.Context, username, ip string, success bool) {
	if err := s.users.RecordLoginAttempt(ctx, username, ip, success); err != nil {
		s.log.Warn("failed to record login attempt", "error", err, "username", username)
	}
}

// BeginTOTPEnrollment generates a new TOTP secret and its provisioning URI.
// The caller is responsible for holding the secret (e.g. in a short-lived
// pending state) until ConfirmTOTPEnrollment validates a code against it.
func (s *Service) BeginTOTPEnrollment(accountName string) (secret []byte, provisioningURI string, err error) {
	secret, err = GenerateTOTPSecret()
	if err != nil {
		return nil, "", err
	}
	return secret, ProvisioningURI(secret, "Baudrate", accountName), nil
}

// ConfirmTOTPEnrollment validates code against secret and, on success,
// encrypts the secret, generates ten recovery codes, persists both, and
// returns the plaintext recovery codes for one-time display.
func (s *Service) ConfirmTOTPEnrollment(ctx context.Context, userID string, secret []byte, code string) ([]string, error) {
	ok, _ := ValidateTOTP(code, secret, time.Now(), 0)
	if !ok {
		return nil, ErrInvalidTOTPCode
	}

	encrypted, err := s.totpVault.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	codes, err := GenerateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := HashRecoveryCode(c)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}

	if err := s.users.EnableTOTP(ctx, userID, encrypted, hashes); err != nil {
		return nil, fmt.Errorf("auth: enable totp: %w", err)
	}
	return codes, nil
}

// VerifyTOTPOrRecoveryCode checks code as a TOTP code first, then as a
// recovery code, completing step 2 of login. On TOTP success it persists
// the new replay-protection watermark; on recovery-code success it marks
// the matched code used.
func (s *Service) VerifyTOTPOrRecoveryCode(ctx context.Context, userID string, code string) error {
	creds, err := s.users.GetCredentialsByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: load credentials: %w", err)
	}
	if creds == nil || !creds.TOTPEnabled {
		return ErrTOTPNotEnabled
	}

	secret, err := s.totpVault.Decrypt(creds.TOTPEncryptedSecret)
	if err != nil {
		return fmt.Errorf("auth: decrypt totp secret: %w", err)
	}

	if ok, newSince := ValidateTOTP(code, secret, time.Now(), creds.TOTPSince); ok {
		if err := s.users.UpdateTOTPSince(ctx, userID, newSince); err != nil {
			s.log.Warn("failed to persist totp replay watermark", "error", err, "user_id", userID)
		}
		return nil
	}

	return s.tryRecoveryCode(ctx, userID, code)
}

// tryRecoveryCode always evaluates every stored unused code rather than
// short-circuiting on the first match, so the position of the matching code
// cannot be inferred from response timing.
func (s *Service) tryRecoveryCode(ctx context.Context, userID, code string) error {
	codes, err := s.users.GetUnusedRecoveryCodes(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: load recovery codes: %w", err)
	}

	var matched *RecoveryCode
	for i := range codes {
		if VerifyRecoveryCode(code, codes[i].CodeHash) && matched == nil {
			matched = &codes[i]
		}
	}

	if matched == nil {
		return ErrInvalidTOTPCode
	}
	return s.users.MarkRecoveryCodeUsed(ctx, matched.ID)
}

// DisableTOTP turns MFA off for a user; callers MUST revoke existing
// sessions afterward per the session-invalidation policy.
func (s *Service) DisableTOTP(ctx context.Context, userID string) error {
	return s.users.DisableTOTP(ctx, userID)
}

// RegenerateRecoveryCodes replaces a user's recovery codes wholesale.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := GenerateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := HashRecoveryCode(c)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	if err := s.users.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("auth: replace recovery codes: %w", err)
	}
	return codes, nil
}
