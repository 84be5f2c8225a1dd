// Package server wires Baudrate's HTTP ingress: ActivityPub discovery and
// inbox endpoints, the local actor/article/board surface, and the
// auth-session endpoints that gate everything else.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
	"github.com/hiroshiyui/baudrate-sub002/internal/config"
	"github.com/hiroshiyui/baudrate-sub002/internal/delivery"
	"github.com/hiroshiyui/baudrate-sub002/internal/feed"
	"github.com/hiroshiyui/baudrate-sub002/internal/follow"
	"github.com/hiroshiyui/baudrate-sub002/internal/inbox"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
	"github.com/hiroshiyui/baudrate-sub002/internal/moderation"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
	"github.com/hiroshiyui/baudrate-sub002/internal/store"
	"github.com/hiroshiyui/baudrate-sub002/internal/webpush"
)

// Inbox concurrency limits: a global cap on
// in-flight activities plus a per-origin cap so one noisy remote domain
// can't starve the others.
const (
	maxConcurrentActivities = 50
	maxPerOriginConcurrency = 5
)

// Server holds every dependency the HTTP surface calls into.
type Server struct {
	cfg   *config.Config
	store *store.Store
	log   *slog.Logger

	keys       *keystore.KeyStore
	authSvc    *auth.Service
	resolver   *actorresolver.Resolver
	follows    *follow.Machine
	feedMat    *feed.Materializer
	notifier   *notify.Service
	moderation *moderation.Service
	inboxDisp  *inbox.Dispatcher
	deliveryQ  *delivery.Queue
	push       *webpush.Sender

	router    chi.Router
	startedAt time.Time
	pending   *pendingTOTP

	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
}

// Deps bundles the constructed domain services New needs, so main.go's
// wiring call site doesn't take a dozen positional arguments.
type Deps struct {
	Store      *store.Store
	Keys       *keystore.KeyStore
	Auth       *auth.Service
	Resolver   *actorresolver.Resolver
	Follows    *follow.Machine
	Feed       *feed.Materializer
	Notifier   *notify.Service
	Moderation *moderation.Service
	Inbox      *inbox.Dispatcher
	Delivery   *delivery.Queue
	Push       *webpush.Sender
}

func New(cfg *config.Config, log *slog.Logger, d Deps) *Server {
	s := &Server{
		cfg:          cfg,
		store:        d.Store,
		log:          log,
		keys:         d.Keys,
		authSvc:      d.Auth,
		resolver:     d.Resolver,
		follows:      d.Follows,
		feedMat:      d.Feed,
		notifier:     d.Notifier,
		moderation:   d.Moderation,
		inboxDisp:    d.Inbox,
		deliveryQ:    d.Delivery,
		push:         d.Push,
		startedAt:    time.Now(),
		pending:      newPendingTOTP(),
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(maxPerOriginConcurrency),
	}
	s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to 10s before returning.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoLinks)
	r.Get("/nodeinfo/{version}", s.handleNodeInfo)

	r.Route("/ap", func(r chi.Router) {
		r.Get("/users/{username}", s.handleUserActor)
		r.Get("/users/{username}/outbox", s.handleUserOutbox)
		r.Get("/users/{username}/followers", s.handleUserFollowers)
		r.Get("/users/{username}/following", s.handleUserFollowing)
		r.Post("/users/{username}/inbox", s.handleInbox)

		r.Get("/boards", s.handleBoardsList)
		r.Get("/boards/{slug}", s.handleBoardActor)
		r.Get("/boards/{slug}/outbox", s.handleBoardOutbox)
		r.Get("/boards/{slug}/followers", s.handleBoardFollowers)
		r.Post("/boards/{slug}/inbox", s.handleInbox)

		r.Get("/site", s.handleSiteActor)

		r.Get("/articles/{slug}", s.handleArticle)
		r.Get("/articles/{slug}/replies", s.handleArticleReplies)

		r.Get("/search", s.handleSearch)

		r.Post("/inbox", s.handleInbox)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/totp/verify", s.handleTOTPVerify)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/feed", s.handleFeed)
		r.Post("/articles", s.handleCreateArticle)
		r.Post("/notifications/{id}/read", s.handleNotificationRead)
		r.Post("/notifications/read_all", s.handleNotificationsReadAll)
		r.Post("/push/subscribe", s.handlePushSubscribe)
		r.Post("/reports", s.handleFileReport)
		r.Post("/reports/{id}/resolve", s.handleResolveReport)
		r.Post("/reports/{id}/dismiss", s.handleDismissReport)
		r.Post("/board-follows/approve", s.handleApproveBoardFollow)
	})

	r.Get("/", s.handleIndex)

	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Info("request",
			"request_id", newRequestID(),
			"method", r.Method, "path", r.URL.Path, "status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(), "remote", r.RemoteAddr)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// inboxLimiter enforces maxPerOriginConcurrency: a noisy remote domain
// is throttled without blocking delivery from every other domain.
type inboxLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newInboxLimiter(max int) *inboxLimiter {
	return &inboxLimiter{max: max, counts: make(map[string]int)}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= l.max {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[origin]--
	if l.counts[origin] <= 0 {
		delete(l.counts, origin)
	}
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/activity+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	encodeJSON(w, http.StatusOK, v)
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	encodeJSON(w, status, v)
}

func encodeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an apperr.Kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindUpstreamFailure
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		kind = ae.Kind
		msg = ae.Message
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindInvalidCredentials:
		status = http.StatusUnauthorized
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	case apperr.KindUnauthorized:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindValidation:
		status = http.StatusUnprocessableEntity
	case apperr.KindSignatureInvalid:
		status = http.StatusUnauthorized
	case apperr.KindUpstreamFailure:
		status = http.StatusBadGateway
	case apperr.KindVaultError:
		status = http.StatusInternalServerError
		msg = "internal error"
	case apperr.KindBanned:
		status = http.StatusForbidden
	}
	jsonResponse(w, map[string]string{"error": msg}, status)
}

func notFound(w http.ResponseWriter) {
	writeError(w, apperr.New(apperr.KindNotFound, "not found"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"name":    s.cfg.SiteName,
		"uptime":  time.Since(s.startedAt).String(),
		"domain":  s.cfg.URL().Host,
	}, http.StatusOK)
}

// newRequestID returns a short random hex fragment, used for request
// logging correlation and slug uniqueness.
func newRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func pageParam(r *http.Request) int {
	q := r.URL.Query().Get("page")
	if q == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(q, "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}
