package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJob struct {
	j         *Job
	claimedBy string
}

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*fakeJob
	next int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*fakeJob)}
}

func (f *fakeStore) Enqueue(ctx context.Context, j *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	j.ID = string(rune('a' + f.next))
	f.jobs[j.ID] = &fakeJob{j: j}
	return nil
}

func (f *fakeStore) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Job
	for _, fj := range f.jobs {
		if len(out) >= limit {
			break
		}
		if fj.j.Status != StatusPending && fj.j.Status != StatusClaimed {
			continue
		}
		if fj.j.NotBefore.After(now) {
			continue
		}
		fj.j.Status = StatusClaimed
		fj.claimedBy = workerID
		cp := *fj.j
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].j.Status = StatusSent
	f.jobs[id].j.Attempts = attempts
	return nil
}

func (f *fakeStore) MarkRetry(ctx context.Context, id string, attempts int, notBefore time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fj := f.jobs[id]
	fj.j.Status = StatusPending
	fj.j.Attempts = attempts
	fj.j.NotBefore = notBefore
	fj.j.LastError = lastErr
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fj := f.jobs[id]
	fj.j.Status = StatusFailed
	fj.j.Attempts = attempts
	fj.j.LastError = lastErr
	return nil
}

type fakeKeys struct {
	priv *rsa.PrivateKey
}

func (f *fakeKeys) KeyIDFor(kind keystore.EntityKind, ownerID string) string {
	return "https://example.test/" + ownerID + "#main-key"
}

func (f *fakeKeys) PrivateKeyFor(ctx context.Context, kind keystore.EntityKind, ownerID string) (*rsa.PrivateKey, error) {
	return f.priv, nil
}

func testQueue(t *testing.T, store Store) (*Queue, *fakeKeys) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &fakeKeys{priv: priv}
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 10 * time.Millisecond
	return New(store, keys, cfg, discardLogger(), "test-worker"), keys
}

func TestDeliverySuccessMarksSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newFakeStore()
	q, _ := testQueue(t, store)
	require.NoError(t, q.Enqueue(context.Background(), "act1", []byte(`{}`), keystore.EntityUser, "u1", []string{srv.URL + "/inbox"}))

	n := q.processBatch(context.Background(), "w1")
	require.Equal(t, 1, n)

	for _, fj := range store.jobs {
		require.Equal(t, StatusSent, fj.j.Status)
		require.Equal(t, 1, fj.j.Attempts)
	}
}

// A job that failed three times and succeeds on the fourth attempt ends with
// state sent and attempts 4: the successful attempt is counted too.
func TestDeliverySuccessAfterRetriesCountsFinalAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := newFakeStore()
	q, _ := testQueue(t, store)
	require.NoError(t, q.Enqueue(context.Background(), "act1", []byte(`{}`), keystore.EntityUser, "u1", []string{srv.URL + "/inbox"}))

	var id string
	for k := range store.jobs {
		id = k
	}
	store.jobs[id].j.Attempts = 3
	store.jobs[id].j.NotBefore = time.Now().Add(-time.Second)

	q.processBatch(context.Background(), "w1")

	require.Equal(t, StatusSent, store.jobs[id].j.Status)
	require.Equal(t, 4, store.jobs[id].j.Attempts)
}

func TestDeliveryServerErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newFakeStore()
	q, _ := testQueue(t, store)
	require.NoError(t, q.Enqueue(context.Background(), "act1", []byte(`{}`), keystore.EntityUser, "u1", []string{srv.URL + "/inbox"}))

	q.processBatch(context.Background(), "w1")

	for _, fj := range store.jobs {
		require.Equal(t, StatusPending, fj.j.Status)
		require.Equal(t, 1, fj.j.Attempts)
		require.True(t, fj.j.NotBefore.After(time.Now()))
	}
}

func TestDeliveryClientErrorFailsWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := newFakeStore()
	q, _ := testQueue(t, store)
	require.NoError(t, q.Enqueue(context.Background(), "act1", []byte(`{}`), keystore.EntityUser, "u1", []string{srv.URL + "/inbox"}))

	q.processBatch(context.Background(), "w1")

	for _, fj := range store.jobs {
		require.Equal(t, StatusFailed, fj.j.Status)
	}
}

func TestDeliveryExhaustsAttemptsThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newFakeStore()
	q, _ := testQueue(t, store)
	require.NoError(t, q.Enqueue(context.Background(), "act1", []byte(`{}`), keystore.EntityUser, "u1", []string{srv.URL + "/inbox"}))

	var id string
	for k := range store.jobs {
		id = k
	}
	store.jobs[id].j.Attempts = 7
	store.jobs[id].j.MaxAttempts = 8

	q.processBatch(context.Background(), "w1")

	require.Equal(t, StatusFailed, store.jobs[id].j.Status)
}

func TestFanOutPrefersSharedInbox(t *testing.T) {
	recipients := []Recipient{
		{Inbox: "https://a.test/users/1/inbox", SharedInbox: "https://a.test/inbox"},
		{Inbox: "https://a.test/users/2/inbox", SharedInbox: "https://a.test/inbox"},
		{Inbox: "https://b.test/users/3/inbox"},
	}
	got := FanOut(recipients, nil)
	require.ElementsMatch(t, []string{"https://a.test/inbox", "https://b.test/users/3/inbox"}, got)
}

func TestPerHostLimiterSharedByHost(t *testing.T) {
	store := newFakeStore()
	q, _ := testQueue(t, store)

	l1 := q.limiterFor("https://a.test/inbox")
	l2 := q.limiterFor("https://a.test/users/2/inbox")
	require.Same(t, l1, l2)
	require.NotSame(t, l1, q.limiterFor("https://b.test/inbox"))
}

func TestPerHostLimiterDisabled(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.PerHostRate = 0
	q := New(store, &fakeKeys{}, cfg, discardLogger(), "test-worker")
	require.Nil(t, q.limiterFor("https://a.test/inbox"))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Minute
	max := 10 * time.Minute
	d1 := backoff(1, base, max)
	require.True(t, d1 >= time.Duration(float64(base)*0.9) && d1 <= time.Duration(float64(base)*1.1))

	d5 := backoff(5, base, max)
	require.True(t, d5 <= time.Duration(float64(max)*1.1))
}
