// baudrate is a federated forum server: it speaks ActivityPub to the wider
// Fediverse while presenting a local board/article/comment model to its own
// users. It runs as a single binary with SQLite by default; point
// DATABASE_URL at PostgreSQL for horizontally-scaled deployments.
//
// Usage:
//
//	export BASE_URL=https://forum.example.com
//	export TOTP_VAULT_KEY=<base64 32-byte key>
//	export VAPID_VAULT_KEY=<base64 32-byte key>
//	export VAPID_CONTACT=mailto:admin@forum.example.com
//	./baudrate
package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
	"github.com/hiroshiyui/baudrate-sub002/internal/config"
	"github.com/hiroshiyui/baudrate-sub002/internal/delivery"
	"github.com/hiroshiyui/baudrate-sub002/internal/feed"
	"github.com/hiroshiyui/baudrate-sub002/internal/follow"
	"github.com/hiroshiyui/baudrate-sub002/internal/inbox"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
	"github.com/hiroshiyui/baudrate-sub002/internal/moderation"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
	"github.com/hiroshiyui/baudrate-sub002/internal/pubsub"
	"github.com/hiroshiyui/baudrate-sub002/internal/server"
	"github.com/hiroshiyui/baudrate-sub002/internal/store"
	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
	"github.com/hiroshiyui/baudrate-sub002/internal/webpush"
)

// keyLoader adapts the keystore and store into delivery's signing-key
// dependency: a job's (kind, owner id) pair becomes a keyId URI plus the
// decrypted private key.
type keyLoader struct {
	store *store.Store
	keys  *keystore.KeyStore
	cfg   *config.Config
}

func (k *keyLoader) KeyIDFor(kind keystore.EntityKind, ownerID string) string {
	ctx := context.Background()
	switch kind {
	case keystore.EntityUser:
		if p, err := k.store.GetUserProfileByID(ctx, ownerID); err == nil && p != nil {
			return k.cfg.ActorURI("users", p.Username) + "#main-key"
		}
	case keystore.EntityBoard:
		if b, err := k.store.GetBoardByID(ctx, ownerID); err == nil && b != nil {
			return b.APID + "#main-key"
		}
	case keystore.EntitySite:
		return strings.TrimRight(k.cfg.BaseURL, "/") + "/ap/site#main-key"
	}
	return ""
}

func (k *keyLoader) PrivateKeyFor(ctx context.Context, kind keystore.EntityKind, ownerID string) (*rsa.PrivateKey, error) {
	kp, err := k.keys.EnsureKeyPair(ctx, kind, ownerID)
	if err != nil {
		return nil, err
	}
	return k.keys.PrivateKey(kp)
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	log.Info("starting baudrate", "version", "1.0.0")

	cfg := config.Load()
	log.Info("config loaded",
		"base_url", cfg.BaseURL,
		"database", cfg.DatabaseURL,
		"federation_enabled", cfg.APFederationEnabled,
		"federation_mode", cfg.APFederationMode,
	)

	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()
	st.SetBaseURL(cfg.BaseURL)

	if err := st.Migrate(); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	totpVault, err := vault.New(cfg.TOTPVaultKey)
	if err != nil {
		log.Error("totp vault init failed", "error", err)
		os.Exit(1)
	}
	vapidVault, err := vault.New(cfg.VAPIDVaultKey)
	if err != nil {
		log.Error("vapid vault init failed", "error", err)
		os.Exit(1)
	}

	keys := keystore.New(st, totpVault, log)

	authSvc, err := auth.NewService(st, st, totpVault, cfg, log)
	if err != nil {
		log.Error("auth service init failed", "error", err)
		os.Exit(1)
	}

	bus := pubsub.New()
	resolver := actorresolver.New(st)
	follows := follow.New(st)

	push := webpush.New(st, vapidVault, cfg.VAPIDContact, log)
	notifier := notify.New(st, st, st, bus, push)

	feedItems, articles, comments := st.FeedSources()
	feedMat := feed.New(feedItems, articles, comments, bus)

	mod := moderation.New(st)
	inboxDisp := inbox.New(st, resolver, follows, notifier, cfg.ClockSkewTolerance)

	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.MaxAttempts = cfg.DeliveryMaxAttempts
	deliveryCfg.BaseBackoff = cfg.DeliveryBaseBackoff
	deliveryCfg.MaxBackoff = cfg.DeliveryMaxBackoff
	deliveryCfg.Concurrency = cfg.FederationConcurrency
	deliveryCfg.HTTPTimeout = cfg.HTTPTimeout
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "baudrate"
	}
	deliveryQ := delivery.New(st, &keyLoader{store: st, keys: keys, cfg: cfg}, deliveryCfg, log, hostname)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Generate the site actor's keypair and the VAPID keypair eagerly so the
	// first inbound request never pays keygen latency.
	if _, err := keys.EnsureKeyPair(ctx, keystore.EntitySite, "site"); err != nil {
		log.Error("site keypair init failed", "error", err)
		os.Exit(1)
	}
	if _, err := push.EnsureVAPIDKeyPair(ctx); err != nil {
		log.Error("vapid keypair init failed", "error", err)
		os.Exit(1)
	}

	go deliveryQ.Run(ctx)
	go maintenanceLoop(ctx, st, authSvc, notifier, cfg, log)

	srv := server.New(cfg, log, server.Deps{
		Store:      st,
		Keys:       keys,
		Auth:       authSvc,
		Resolver:   resolver,
		Follows:    follows,
		Feed:       feedMat,
		Notifier:   notifier,
		Moderation: mod,
		Inbox:      inboxDisp,
		Delivery:   deliveryQ,
		Push:       push,
	})
	if err := srv.Start(ctx); err != nil {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}

	log.Info("baudrate stopped")
}

// maintenanceLoop runs the periodic reapers: expired sessions, stale
// login-attempt audit rows, the inbox dedup window, and old notifications.
func maintenanceLoop(ctx context.Context, st *store.Store, authSvc *auth.Service, notifier *notify.Service, cfg *config.Config, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := authSvc.PurgeExpiredSessions(ctx); err != nil {
			log.Warn("session purge failed", "error", err)
		} else if n > 0 {
			log.Info("purged expired sessions", "count", n)
		}

		if n, err := st.ReapLoginAttempts(ctx, time.Now().AddDate(0, 0, -7)); err != nil {
			log.Warn("login attempt reap failed", "error", err)
		} else if n > 0 {
			log.Info("reaped login attempts", "count", n)
		}

		if err := st.PurgeSeenOlderThan(ctx, time.Now().Add(-cfg.InboxDedupWindow)); err != nil {
			log.Warn("inbox dedup purge failed", "error", err)
		}

		if n, err := notifier.CleanupOlderThan(ctx, 90); err != nil {
			log.Warn("notification cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("cleaned up old notifications", "count", n)
		}
	}
}
