package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
)

const (
	sessionCookieName = "session_token"
	refreshCookieName = "refresh_token"

	// pendingTOTPTTL bounds the window between a successful password step
	// and the TOTP step that completes login.
	pendingTOTPTTL = 5 * time.Minute
)

// pendingTOTP holds the server-side state between login step 1 (password)
// and step 2 (TOTP code). Entries for enrollment also carry the candidate
// secret until a valid code confirms it.
type pendingTOTP struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	userID    string
	secret    []byte // non-nil only for totp_setup flows
	expiresAt time.Time
}

func newPendingTOTP() *pendingTOTP {
	return &pendingTOTP{entries: make(map[string]pendingEntry)}
}

func (p *pendingTOTP) put(userID string, secret []byte) (token string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for t, e := range p.entries {
		if now.After(e.expiresAt) {
			delete(p.entries, t)
		}
	}
	p.entries[token] = pendingEntry{userID: userID, secret: secret, expiresAt: now.Add(pendingTOTPTTL)}
	return token, nil
}

func (p *pendingTOTP) take(token string) (pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[token]
	if !ok || time.Now().After(e.expiresAt) {
		delete(p.entries, token)
		return pendingEntry{}, false
	}
	delete(p.entries, token)
	return e, true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) setSessionCookies(w http.ResponseWriter, sessionToken, refreshToken string) {
	maxAge := int(s.cfg.SessionTTL.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookieName, refreshCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Secure:   true,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}

	creds, step, err := s.authSvc.Authenticate(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	switch step {
	case auth.StepAuthenticated:
		sessionToken, refreshToken, err := s.authSvc.CreateSession(r.Context(), creds.ID, clientIP(r), r.UserAgent())
		if err != nil {
			writeError(w, err)
			return
		}
		s.setSessionCookies(w, sessionToken, refreshToken)
		jsonResponse(w, map[string]string{"next_step": string(step)}, http.StatusOK)

	case auth.StepTOTPVerify:
		token, err := s.pending.put(creds.ID, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, map[string]string{"next_step": string(step), "totp_token": token}, http.StatusOK)

	case auth.StepTOTPSetup:
		secret, uri, err := s.authSvc.BeginTOTPEnrollment(creds.Username)
		if err != nil {
			writeError(w, err)
			return
		}
		token, err := s.pending.put(creds.ID, secret)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, map[string]string{
			"next_step":        string(step),
			"totp_token":       token,
			"provisioning_uri": uri,
		}, http.StatusOK)
	}
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TOTPToken string `json:"totp_token"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}

	entry, ok := s.pending.take(req.TOTPToken)
	if !ok {
		writeError(w, apperr.New(apperr.KindInvalidCredentials, "login step expired, start over"))
		return
	}

	var recoveryCodes []string
	if entry.secret != nil {
		codes, err := s.authSvc.ConfirmTOTPEnrollment(r.Context(), entry.userID, entry.secret, req.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		recoveryCodes = codes
	} else {
		if err := s.authSvc.VerifyTOTPOrRecoveryCode(r.Context(), entry.userID, req.Code); err != nil {
			writeError(w, err)
			return
		}
	}

	sessionToken, refreshToken, err := s.authSvc.CreateSession(r.Context(), entry.userID, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookies(w, sessionToken, refreshToken)

	resp := map[string]interface{}{"next_step": string(auth.StepAuthenticated)}
	if recoveryCodes != nil {
		// The one and only time the plaintext codes are shown.
		resp["recovery_codes"] = recoveryCodes
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, auth.ErrSessionNotFound)
		return
	}

	sessionToken, refreshToken, err := s.authSvc.RefreshSession(r.Context(), cookie.Value)
	if err != nil {
		s.clearSessionCookies(w)
		writeError(w, err)
		return
	}
	s.setSessionCookies(w, sessionToken, refreshToken)
	jsonResponse(w, map[string]string{"status": "refreshed"}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := s.authSvc.DeleteSession(r.Context(), cookie.Value); err != nil {
			s.log.Warn("logout: delete session failed", "error", err)
		}
	}
	s.clearSessionCookies(w)
	jsonResponse(w, map[string]string{"status": "logged_out"}, http.StatusOK)
}

// currentSession authenticates the request's session cookie, for handlers
// that require a logged-in user (feed, notifications, subscriptions).
func (s *Server) currentSession(r *http.Request) (*auth.Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, auth.ErrSessionNotFound
	}
	return s.authSvc.AuthenticateSession(r.Context(), cookie.Value)
}
