package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Session is the server-side record backing a pair of opaque client tokens;
// only hashes of the tokens are ever persisted.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshedAt      time.Time
	IPAddress        string
	UserAgent        string
}

// SessionStore is the persistence boundary Auth's session lifecycle needs.
// CreateWithEviction must run transactionally: lock the user_id row, delete
// the oldest session by refreshed_at if the user already holds maxSessions,
// then insert the new row — all inside one transaction so no window exists
// where a user briefly holds more than maxSessions rows.
type SessionStore interface {
	CreateWithEviction(ctx context.Context, s *Session, maxSessions int) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	GetByRefreshTokenHash(ctx context.Context, refreshTokenHash string) (*Session, error)
	Rotate(ctx context.Context, id, newTokenHash, newRefreshTokenHash string, expiresAt, refreshedAt time.Time) error
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// sessionTokenBytes is the raw entropy of an opaque session/refresh token:
// 32 bytes (256 bits), URL-safe-base64 encoded for use in cookies.
const sessionTokenBytes = 32

// newOpaqueToken returns a 32-byte URL-safe-base64-encoded random token.
func newOpaqueToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CreateSession generates a fresh session/refresh token pair, stores their
// hashes, and evicts the oldest session if the user already holds
// maxSessions concurrent sessions. It returns the raw tokens — the only
// moment they exist outside the client's hands.
func (s *Service) CreateSession(ctx context.Context, userID, ip, userAgent string) (sessionToken, refreshToken string, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		sessionToken, err = newOpaqueToken()
		if err != nil {
			return "", "", err
		}
		refreshToken, err = newOpaqueToken()
		if err != nil {
			return "", "", err
		}

		now := time.Now()
		sess := &Session{
			UserID:           userID,
			TokenHash:        hashToken(sessionToken),
			RefreshTokenHash: hashToken(refreshToken),
			ExpiresAt:        now.Add(s.cfg.SessionTTL),
			RefreshedAt:      now,
			IPAddress:        ip,
			UserAgent:        userAgent,
		}
		err = s.sessions.CreateWithEviction(ctx, sess, s.cfg.MaxSessionsPerUser)
		if err == nil {
			return sessionToken, refreshToken, nil
		}
		// A hash collision (~2^-256) is the only expected failure mode here;
		// retry with freshly generated tokens rather than surfacing it.
	}
	return "", "", fmt.Errorf("create session: exhausted retries, last error: %w", err)
}

// AuthenticateSession resolves a session token to its owning user id. A
// session past expires_at is deleted and reported as not found rather than
// merely ignored, so expired rows don't linger.
func (s *Service) AuthenticateSession(ctx context.Context, token string) (*Session, error) {
	sess, err := s.sessions.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.sessions.Delete(ctx, sess.ID)
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// RefreshSession rotates a refresh token: it issues a brand new session and
// refresh token pair and overwrites the stored hashes, which invalidates the
// old session token immediately (its hash no longer matches any row).
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (newSessionToken, newRefreshToken string, err error) {
	sess, err := s.sessions.GetByRefreshTokenHash(ctx, hashToken(refreshToken))
	if err != nil {
		return "", "", err
	}
	if sess == nil {
		return "", "", ErrSessionNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.sessions.Delete(ctx, sess.ID)
		return "", "", ErrSessionNotFound
	}

	newSessionToken, err = newOpaqueToken()
	if err != nil {
		return "", "", err
	}
	newRefreshToken, err = newOpaqueToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	err = s.sessions.Rotate(ctx, sess.ID, hashToken(newSessionToken), hashToken(newRefreshToken), now.Add(s.cfg.SessionTTL), now)
	if err != nil {
		return "", "", fmt.Errorf("rotate session: %w", err)
	}
	return newSessionToken, newRefreshToken, nil
}

// DeleteSession logs a session out by its session token.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	sess, err := s.sessions.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return s.sessions.Delete(ctx, sess.ID)
}

// PurgeExpiredSessions deletes every session past its expiry. Intended to
// run on a periodic background tick.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessions.PurgeExpired(ctx, time.Now())
}
