// Package delivery implements the outbound federation queue: a
// persistent per-inbox job table drained by a bounded worker pool with
// exponential backoff, signing every request with HTTPSignature before
// sending.
package delivery

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hiroshiyui/baudrate-sub002/internal/httpsig"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
)

// Status is a DeliveryJob's lifecycle state. "claimed" is an implementation
// detail of SKIP-LOCKED-style claiming, not one of the two terminal states
// (sent, failed) — a crashed worker's claimed row is simply reclaimed once
// NotBefore passes again, since ClaimBatch's query governs eligibility by
// time, not status alone.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Job is a single outbound delivery, one row per distinct destination inbox.
type Job struct {
	ID              string
	InboxURL        string
	ActivityID      string
	Payload         []byte
	ActorKeyOwner   keystore.EntityKind
	ActorKeyOwnerID string
	Attempts        int
	MaxAttempts     int
	Status          Status
	NotBefore       time.Time
	LastError       string
	CreatedAt       time.Time
}

// Store is the persistence boundary for the delivery queue.
type Store interface {
	Enqueue(ctx context.Context, j *Job) error
	ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*Job, error)
	MarkSent(ctx context.Context, id string, attempts int) error
	MarkRetry(ctx context.Context, id string, attempts int, notBefore time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// KeyLoader resolves the signing key belonging to a job's claimed actor
// (user, board, or site) and the keyId URI to cite in the Signature header.
type KeyLoader interface {
	KeyIDFor(kind keystore.EntityKind, ownerID string) string
	PrivateKeyFor(ctx context.Context, kind keystore.EntityKind, ownerID string) (*rsa.PrivateKey, error)
}

// Config tunes backoff and concurrency.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Concurrency  int
	HTTPTimeout  time.Duration
	BatchSize    int
	PollInterval time.Duration

	// PerHostRate/PerHostBurst throttle POSTs per destination host so a burst
	// of local activity doesn't hammer one remote instance. Zero disables.
	PerHostRate  rate.Limit
	PerHostBurst int
}

// DefaultConfig is the production retry policy: 8 attempts, with retries
// spaced 1m, 2m, 4m, ... 64m apart (about two hours from the first attempt
// to the last).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		BaseBackoff:  time.Minute,
		MaxBackoff:   24 * time.Hour,
		Concurrency:  10,
		HTTPTimeout:  10 * time.Second,
		BatchSize:    25,
		PollInterval: 2 * time.Second,
		PerHostRate:  rate.Limit(2),
		PerHostBurst: 4,
	}
}

// Queue is the worker pool draining Store.
type Queue struct {
	store    Store
	keys     KeyLoader
	client   *http.Client
	cfg      Config
	log      *slog.Logger
	workerID string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func New(store Store, keys KeyLoader, cfg Config, log *slog.Logger, workerID string) *Queue {
	return &Queue{
		store:    store,
		keys:     keys,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:      cfg,
		log:      log,
		workerID: workerID,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the shared rate limiter for a destination host, or nil
// when per-host throttling is disabled.
func (q *Queue) limiterFor(inboxURL string) *rate.Limiter {
	if q.cfg.PerHostRate <= 0 {
		return nil
	}
	u, err := url.Parse(inboxURL)
	if err != nil {
		return nil
	}
	host := u.Hostname()

	q.limiterMu.Lock()
	defer q.limiterMu.Unlock()
	l, ok := q.limiters[host]
	if !ok {
		l = rate.NewLimiter(q.cfg.PerHostRate, q.cfg.PerHostBurst)
		q.limiters[host] = l
	}
	return l
}

// Enqueue inserts one DeliveryJob per distinct inbox URL in inboxes. Callers
// are expected to have already collapsed the fan-out set (preferring
// sharedInbox over per-actor inboxes, via FanOut) before calling this.
func (q *Queue) Enqueue(ctx context.Context, activityID string, payload []byte, owner keystore.EntityKind, ownerID string, inboxes []string) error {
	seen := make(map[string]bool, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		j := &Job{
			InboxURL:        inbox,
			ActivityID:      activityID,
			Payload:         payload,
			ActorKeyOwner:   owner,
			ActorKeyOwnerID: ownerID,
			MaxAttempts:     q.cfg.MaxAttempts,
			Status:          StatusPending,
			NotBefore:       time.Now(),
			CreatedAt:       time.Now(),
		}
		if err := q.store.Enqueue(ctx, j); err != nil {
			return fmt.Errorf("delivery: enqueue %s: %w", inbox, err)
		}
	}
	return nil
}

// Recipient is the subset of an actor record FanOut needs.
type Recipient struct {
	Inbox       string
	SharedInbox string
}

// FanOut collapses a recipient set into the minimal inbox URL list: one
// sharedInbox delivery per domain where available, falling back to the
// per-actor inbox otherwise.
func FanOut(recipients []Recipient, explicit []string) []string {
	byShared := make(map[string]bool)
	seen := make(map[string]bool)
	var out []string

	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	for _, r := range recipients {
		if r.SharedInbox != "" {
			if !byShared[r.SharedInbox] {
				byShared[r.SharedInbox] = true
				add(r.SharedInbox)
			}
			continue
		}
		add(r.Inbox)
	}
	for _, u := range explicit {
		add(u)
	}
	return out
}

// Run starts cfg.Concurrency worker goroutines and blocks until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	for i := 0; i < q.cfg.Concurrency; i++ {
		go q.workerLoop(ctx, i)
	}
	<-ctx.Done()
}

func (q *Queue) workerLoop(ctx context.Context, idx int) {
	id := fmt.Sprintf("%s-%d", q.workerID, idx)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.processBatch(ctx, id)
		}
	}
}

// processBatch claims and processes up to BatchSize jobs, returning how many
// were claimed.
func (q *Queue) processBatch(ctx context.Context, workerID string) int {
	jobs, err := q.store.ClaimBatch(ctx, workerID, q.cfg.BatchSize, time.Now())
	if err != nil {
		q.log.Error("delivery: claim batch failed", "error", err, "worker", workerID)
		return 0
	}
	for _, j := range jobs {
		q.deliver(ctx, j)
	}
	return len(jobs)
}

func (q *Queue) deliver(ctx context.Context, j *Job) {
	priv, err := q.keys.PrivateKeyFor(ctx, j.ActorKeyOwner, j.ActorKeyOwnerID)
	if err != nil {
		q.fail(ctx, j, fmt.Sprintf("load signing key: %v", err), false)
		return
	}
	keyID := q.keys.KeyIDFor(j.ActorKeyOwner, j.ActorKeyOwnerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.InboxURL, bytes.NewReader(j.Payload))
	if err != nil {
		q.fail(ctx, j, fmt.Sprintf("build request: %v", err), false)
		return
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.ContentLength = int64(len(j.Payload))

	if err := httpsig.Sign(req, j.Payload, keyID, priv); err != nil {
		q.fail(ctx, j, fmt.Sprintf("sign: %v", err), false)
		return
	}

	if l := q.limiterFor(j.InboxURL); l != nil {
		if err := l.Wait(ctx); err != nil {
			// ctx cancelled: release the claim so the job becomes eligible again.
			if err := q.store.MarkRetry(context.Background(), j.ID, j.Attempts, j.NotBefore, j.LastError); err != nil {
				q.log.Error("delivery: release claim failed", "error", err, "job", j.ID)
			}
			return
		}
	}

	resp, err := q.client.Do(req)
	if err != nil {
		q.retry(ctx, j, err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The attempt that succeeded counts too: a job that failed three
		// times and lands on the fourth ends with attempts = 4.
		if err := q.store.MarkSent(ctx, j.ID, j.Attempts+1); err != nil {
			q.log.Error("delivery: mark sent failed", "error", err, "job", j.ID)
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		q.retry(ctx, j, fmt.Sprintf("HTTP %d", resp.StatusCode))
	default:
		q.fail(ctx, j, fmt.Sprintf("HTTP %d", resp.StatusCode), false)
	}
}

func (q *Queue) retry(ctx context.Context, j *Job, reason string) {
	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts {
		q.fail(ctx, j, reason, true)
		return
	}
	notBefore := time.Now().Add(backoff(attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff))
	if err := q.store.MarkRetry(ctx, j.ID, attempts, notBefore, truncate(reason)); err != nil {
		q.log.Error("delivery: mark retry failed", "error", err, "job", j.ID)
	}
}

func (q *Queue) fail(ctx context.Context, j *Job, reason string, countAttempt bool) {
	attempts := j.Attempts
	if countAttempt {
		attempts++
	}
	if err := q.store.MarkFailed(ctx, j.ID, attempts, truncate(reason)); err != nil {
		q.log.Error("delivery: mark failed failed", "error", err, "job", j.ID)
	}
}

// backoff doubles from base starting at attempt 1, caps at max, and jitters
// by up to ±10%.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitterRange := int64(d) / 10
	if jitterRange <= 0 {
		return d
	}
	jitter := rand.Int63n(2*jitterRange+1) - jitterRange
	return d + time.Duration(jitter)
}

const maxErrorLen = 500

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
