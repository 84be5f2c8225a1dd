// Package webpush implements Web Push delivery: VAPID-authenticated
// aes128gcm push notifications sent via github.com/SherClockHolmes/webpush-go,
// with stale-subscription cleanup on 404/410 responses.
package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

// ErrGone reports that a push endpoint answered 404/410: the subscription
// was stale and has been deleted from the store.
var ErrGone = apperr.New(apperr.KindNotFound, "push subscription endpoint gone")

// Subscription is a registered browser/device push endpoint.
type Subscription struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	UserAgent string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	Type  string            `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	URL   string            `json:"url,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Store is the persistence boundary: subscription CRUD plus the VAPID
// keypair record (one row, site-wide).
type Store interface {
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)
	TouchSubscription(ctx context.Context, id string) error
	DeleteSubscription(ctx context.Context, id string) error

	LoadVAPIDKeyPair(ctx context.Context) (publicKey string, encryptedPrivateKey []byte, err error)
	SaveVAPIDKeyPair(ctx context.Context, publicKey string, encryptedPrivateKey []byte) error
}

// Sender sends Web Push notifications and maintains the VAPID keypair and
// subscription table.
type Sender struct {
	store      Store
	vault      *vault.Vault
	contact    string
	log        *slog.Logger
	httpClient *http.Client
}

func New(store Store, v *vault.Vault, contactEmail string, log *slog.Logger) *Sender {
	return &Sender{store: store, vault: v, contact: contactEmail, log: log, httpClient: http.DefaultClient}
}

// EnsureVAPIDKeyPair loads the site's VAPID keypair, generating one on first
// use. The private key is vault-encrypted before being persisted, matching
// the envelope-encryption treatment TOTP secrets get.
func (s *Sender) EnsureVAPIDKeyPair(ctx context.Context) (publicKey string, err error) {
	pub, encPriv, err := s.store.LoadVAPIDKeyPair(ctx)
	if err == nil && pub != "" {
		return pub, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", fmt.Errorf("webpush: generate vapid keys: %w", err)
	}
	encPriv, err = s.vault.Encrypt([]byte(priv))
	if err != nil {
		return "", fmt.Errorf("webpush: encrypt vapid private key: %w", err)
	}
	if err := s.store.SaveVAPIDKeyPair(ctx, pub, encPriv); err != nil {
		return "", fmt.Errorf("webpush: persist vapid keys: %w", err)
	}
	s.log.Info("generated site vapid keypair")
	return pub, nil
}

func (s *Sender) privateKey(ctx context.Context) (priv, pub string, err error) {
	pub, encPriv, err := s.store.LoadVAPIDKeyPair(ctx)
	if err != nil {
		return "", "", fmt.Errorf("webpush: load vapid keys: %w", err)
	}
	plain, err := s.vault.Decrypt(encPriv)
	if err != nil {
		return "", "", fmt.Errorf("webpush: decrypt vapid private key: %w", err)
	}
	return string(plain), pub, nil
}

// SendToUser pushes payload to every subscription userID has registered,
// deleting any that report 404/410 (the endpoint is gone). A stale endpoint
// surfaces as ErrGone so callers can observe that the subscription was
// dropped; other per-subscription failures surface as the first error seen.
// There is no retry either way: the push service re-pushes on the next event.
func (s *Sender) SendToUser(ctx context.Context, userID string, payload Payload) error {
	privKey, pubKey, err := s.privateKey(ctx)
	if err != nil {
		return err
	}

	subs, err := s.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("webpush: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webpush: marshal payload: %w", err)
	}

	var gone bool
	var firstErr error
	for _, sub := range subs {
		switch err := s.sendOne(ctx, sub, body, pubKey, privKey); {
		case err == ErrGone:
			gone = true
		case err != nil && firstErr == nil:
			firstErr = err
		}
	}
	if gone {
		return ErrGone
	}
	return firstErr
}

func (s *Sender) sendOne(ctx context.Context, sub *Subscription, body []byte, pubKey, privKey string) error {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotification(body, wpSub, &webpush.Options{
		Subscriber:      s.contact,
		VAPIDPublicKey:  pubKey,
		VAPIDPrivateKey: privKey,
		TTL:             86400,
		HTTPClient:      s.httpClient,
	})
	if err != nil {
		s.log.Warn("webpush: send failed", "subscription_id", sub.ID, "error", err)
		return fmt.Errorf("webpush: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
			s.log.Error("webpush: delete stale subscription failed", "subscription_id", sub.ID, "error", err)
		}
		return ErrGone
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := s.store.TouchSubscription(ctx, sub.ID); err != nil {
			s.log.Error("webpush: touch subscription failed", "subscription_id", sub.ID, "error", err)
		}
		return nil
	}
	s.log.Warn("webpush: unexpected response", "subscription_id", sub.ID, "status", resp.StatusCode)
	return fmt.Errorf("webpush: unexpected response: HTTP %d", resp.StatusCode)
}

// SchedulePush implements notify.Pusher: it sends synchronously rather than
// queuing, since Web Push delivery is itself a single best-effort HTTP call
// with no federation retry semantics to reuse.
func (s *Sender) SchedulePush(ctx context.Context, userID string, n *notify.Notification) error {
	title, body := notificationText(n)
	return s.SendToUser(ctx, userID, Payload{
		Type:  string(n.Kind),
		Title: title,
		Body:  body,
		Data: map[string]string{
			"object_type": n.ObjectType,
			"object_id":   n.ObjectID,
		},
	})
}

func notificationText(n *notify.Notification) (title, body string) {
	switch n.Kind {
	case notify.KindArticleLiked:
		return "New like", "Someone liked your article"
	case notify.KindArticleCreated:
		return "New article", "A board you follow has a new article"
	case notify.KindCommentReply:
		return "New reply", "Someone replied to your comment"
	case notify.KindNewFollower:
		return "New follower", "You have a new follower"
	case notify.KindMention:
		return "Mentioned", "You were mentioned"
	default:
		return "Notification", string(n.Kind)
	}
}
