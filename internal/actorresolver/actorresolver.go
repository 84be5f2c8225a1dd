// Package actorresolver fetches and caches remote ActivityPub actors: their
// public key, inbox, and shared inbox, with the scheme/redirect/timeout
// hardening inbound dispatch and outbound delivery both depend on.
package actorresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

// Actor is the subset of remote actor fields Baudrate persists and reuses
// for delivery and signature verification.
type Actor struct {
	ID                string
	Inbox             string
	SharedInbox       string
	PreferredUsername string
	Domain            string
	PublicKeyPEM      string
	FetchedAt         time.Time
}

// Recorder is the persistence boundary: cache remote actors across process
// restarts so a cold start doesn't re-fetch every known follower.
type Recorder interface {
	LoadActor(ctx context.Context, apID string) (*Actor, error)
	SaveActor(ctx context.Context, a *Actor) error
}

const (
	cacheTTL       = 24 * time.Hour
	maxRedirects   = 3
	fetchTimeout   = 10 * time.Second
	userAgent      = "baudrate/1.0 (+https://baudrate.example)"
)

// Resolver fetches remote actors over HTTPS, with an in-process TTL cache
// layered over the persistent Recorder cache.
type Resolver struct {
	recorder Recorder
	client   *http.Client
	mem      sync.Map // apID -> *Actor
}

func New(recorder Recorder) *Resolver {
	return &Resolver{
		recorder: recorder,
		client: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("actorresolver: too many redirects")
				}
				if req.URL.Scheme != "https" {
					return fmt.Errorf("actorresolver: refusing non-https redirect to %s", req.URL)
				}
				// Redirects must stay within the same authority class
				// (the same hostname as the original request) so a compromised or malicious
				// actor endpoint cannot redirect verification to an
				// unrelated origin.
				if req.URL.Hostname() != via[0].URL.Hostname() {
					return fmt.Errorf("actorresolver: redirect crosses authority from %s to %s", via[0].URL.Hostname(), req.URL.Hostname())
				}
				return nil
			},
		},
	}
}

// Resolve returns the actor at apID, using the in-process cache, then the
// persistent cache, then a live HTTPS fetch — in that order. A transient
// fetch failure falls back to a stale persisted copy rather than failing
// outright, since inbox dispatch and delivery retries would otherwise cascade
// on a single flaky remote instance.
func (r *Resolver) Resolve(ctx context.Context, apID string) (*Actor, error) {
	if a, ok := r.mem.Load(apID); ok {
		cached := a.(*Actor)
		if time.Since(cached.FetchedAt) < cacheTTL {
			return cached, nil
		}
	}

	if r.recorder != nil {
		if persisted, err := r.recorder.LoadActor(ctx, apID); err == nil && persisted != nil {
			if time.Since(persisted.FetchedAt) < cacheTTL {
				r.mem.Store(apID, persisted)
				return persisted, nil
			}
		}
	}

	fetched, err := r.fetch(ctx, apID)
	if err != nil {
		if r.recorder != nil {
			if stale, loadErr := r.recorder.LoadActor(ctx, apID); loadErr == nil && stale != nil {
				return stale, nil
			}
		}
		return nil, err
	}

	r.mem.Store(apID, fetched)
	if r.recorder != nil {
		_ = r.recorder.SaveActor(ctx, fetched)
	}
	return fetched, nil
}

// PublicKeyPEM implements httpsig.ActorResolver.
func (r *Resolver) PublicKeyPEM(ctx context.Context, actorURL string) (string, error) {
	a, err := r.Resolve(ctx, actorURL)
	if err != nil {
		return "", err
	}
	return a.PublicKeyPEM, nil
}

func (r *Resolver) fetch(ctx context.Context, apID string) (*Actor, error) {
	parsed, err := url.Parse(apID)
	if err != nil || parsed.Scheme != "https" {
		return nil, apperr.New(apperr.KindValidation, "actor id must be an https url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apID, nil)
	if err != nil {
		return nil, fmt.Errorf("actorresolver: build request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, "actor fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindUpstreamFailure, fmt.Sprintf("actor fetch: HTTP %d", resp.StatusCode))
	}

	var actor apmodel.Actor
	if err := json.NewDecoder(resp.Body).Decode(&actor); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "actor response is not valid JSON", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, apperr.New(apperr.KindValidation, "actor missing required id/inbox/publicKey fields")
	}

	shared := ""
	if actor.Endpoints != nil {
		shared = actor.Endpoints.SharedInbox
	}

	return &Actor{
		ID:                actor.ID,
		Inbox:             actor.Inbox,
		SharedInbox:       shared,
		PreferredUsername: actor.PreferredUsername,
		Domain:            strings.ToLower(parsed.Hostname()),
		PublicKeyPEM:      actor.PublicKey.PublicKeyPem,
		FetchedAt:         time.Now(),
	}, nil
}
