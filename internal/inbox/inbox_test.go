package inbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gofedhttpsig "github.com/go-fed/httpsig"
	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
	"github.com/hiroshiyui/baudrate-sub002/internal/follow"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
)

type fakeStore struct {
	mu       sync.Mutex
	seen     map[string]bool
	actors   map[string]*actorresolver.Actor
	articles map[string]string
	boards   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:     make(map[string]bool),
		actors:   make(map[string]*actorresolver.Actor),
		articles: make(map[string]string),
		boards:   make(map[string]bool),
	}
}

func (f *fakeStore) IsActivitySeen(ctx context.Context, activityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[activityID], nil
}
func (f *fakeStore) MarkActivitySeen(ctx context.Context, activityID string, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[activityID] = true
	return nil
}
func (f *fakeStore) PurgeSeenOlderThan(ctx context.Context, before time.Time) error { return nil }

func (f *fakeStore) UpsertRemoteActor(ctx context.Context, a *actorresolver.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors[a.ID] = a
	return nil
}

func (f *fakeStore) ResolveLocalBoardIDs(ctx context.Context, uris []string) ([]string, error) {
	var out []string
	for _, u := range uris {
		if f.boards[u] {
			out = append(out, u)
		}
	}
	return out, nil
}
func (f *fakeStore) BoardFollowersOnlyPolicy(ctx context.Context, boardID string) (bool, error) {
	return false, nil
}
func (f *fakeStore) LocalUserIDByActorURI(ctx context.Context, actorURI string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeStore) ArticleIDByAPID(ctx context.Context, apID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.articles[apID]
	return id, ok, nil
}
func (f *fakeStore) CreateRemoteArticle(ctx context.Context, a *RemoteArticle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articles[a.APID] = "article-" + a.APID
	return f.articles[a.APID], nil
}
func (f *fakeStore) AddArticleToBoards(ctx context.Context, articleID string, boardIDs []string) error {
	return nil
}
func (f *fakeStore) UpdateArticleContent(ctx context.Context, apID, name, content string) error {
	return nil
}
func (f *fakeStore) SoftDeleteByAPID(ctx context.Context, apID string) error { return nil }
func (f *fakeStore) SoftDeleteAllByActor(ctx context.Context, actorAPID string) error { return nil }

func (f *fakeStore) CreateRemoteComment(ctx context.Context, apID, remoteActorID, inReplyToAPID, content string, published time.Time) (string, string, error) {
	return "comment-1", "", nil
}

func (f *fakeStore) CreateArticleLike(ctx context.Context, apID, articleAPID, remoteActorID string) (string, bool, error) {
	return "", true, nil
}
func (f *fakeStore) DeleteArticleLikeByActor(ctx context.Context, articleAPID, remoteActorID string) error {
	return nil
}

func (f *fakeStore) CreateAnnounce(ctx context.Context, apID, objectAPID, remoteActorID string) (bool, error) {
	return true, nil
}
func (f *fakeStore) DeleteAnnounceByActor(ctx context.Context, objectAPID, remoteActorID string) error {
	return nil
}

func (f *fakeStore) StoreFeedItem(ctx context.Context, apID, remoteActorID string, article interface{}, published time.Time) (string, []string, error) {
	return "feed-1", nil, nil
}

type fakeFollowStore struct {
	userFollows  map[string]*follow.UserFollow
	boardFollows map[string]*follow.BoardFollow
}

func newFakeFollowStore() *fakeFollowStore {
	return &fakeFollowStore{userFollows: map[string]*follow.UserFollow{}, boardFollows: map[string]*follow.BoardFollow{}}
}
func (s *fakeFollowStore) CreateUserFollow(ctx context.Context, f *follow.UserFollow) error {
	f.ID = f.APID
	s.userFollows[f.APID] = f
	return nil
}
func (s *fakeFollowStore) GetUserFollowByAPID(ctx context.Context, apID string) (*follow.UserFollow, error) {
	return s.userFollows[apID], nil
}
func (s *fakeFollowStore) GetUserFollowByPair(ctx context.Context, followerAPID, targetUserID string) (*follow.UserFollow, error) {
	return nil, nil
}
func (s *fakeFollowStore) SetUserFollowState(ctx context.Context, id string, state follow.State) error {
	if f, ok := s.userFollows[id]; ok {
		f.State = state
	}
	return nil
}
func (s *fakeFollowStore) DeleteUserFollow(ctx context.Context, id string) error {
	delete(s.userFollows, id)
	return nil
}
func (s *fakeFollowStore) MigrateUserFollows(ctx context.Context, oldActorAPID, newActorAPID string) error {
	return nil
}
func (s *fakeFollowStore) CreateBoardFollow(ctx context.Context, f *follow.BoardFollow) error {
	f.ID = f.APID
	s.boardFollows[f.APID] = f
	return nil
}
func (s *fakeFollowStore) GetBoardFollowByAPID(ctx context.Context, apID string) (*follow.BoardFollow, error) {
	return s.boardFollows[apID], nil
}
func (s *fakeFollowStore) GetBoardFollowByPair(ctx context.Context, followerAPID, targetBoardID string) (*follow.BoardFollow, error) {
	return nil, nil
}
func (s *fakeFollowStore) SetBoardFollowState(ctx context.Context, id string, state follow.State) error {
	return nil
}
func (s *fakeFollowStore) DeleteBoardFollow(ctx context.Context, id string) error { return nil }

func (s *fakeFollowStore) CreateRemoteActorFollow(ctx context.Context, f *follow.RemoteActorFollow) error {
	return nil
}
func (s *fakeFollowStore) GetRemoteActorFollowByAPID(ctx context.Context, apID string) (*follow.RemoteActorFollow, error) {
	return nil, nil
}
func (s *fakeFollowStore) GetRemoteActorFollowByPair(ctx context.Context, userID, remoteActorID string) (*follow.RemoteActorFollow, error) {
	return nil, nil
}
func (s *fakeFollowStore) SetRemoteActorFollowState(ctx context.Context, id string, state follow.State) error {
	return nil
}
func (s *fakeFollowStore) DeleteRemoteActorFollow(ctx context.Context, id string) error { return nil }

type fakeNotifyStore struct{}

func (fakeNotifyStore) InsertNotification(ctx context.Context, n *notify.Notification) (bool, error) {
	return true, nil
}
func (fakeNotifyStore) MarkRead(ctx context.Context, id string) error         { return nil }
func (fakeNotifyStore) MarkAllRead(ctx context.Context, userID string) error  { return nil }
func (fakeNotifyStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func genKeyAndActor(t *testing.T, host string) (*rsa.PrivateKey, *actorresolver.Actor) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	actorURL := host + "/users/remote"
	return priv, &actorresolver.Actor{
		ID:           actorURL,
		Inbox:        actorURL + "/inbox",
		PublicKeyPEM: string(pubPEM),
		FetchedAt:    time.Now(),
	}
}

type staticRecorder struct {
	actors map[string]*actorresolver.Actor
}

func (r staticRecorder) LoadActor(ctx context.Context, apID string) (*actorresolver.Actor, error) {
	return r.actors[apID], nil
}
func (r staticRecorder) SaveActor(ctx context.Context, a *actorresolver.Actor) error {
	r.actors[a.ID] = a
	return nil
}

func signedRequest(t *testing.T, priv *rsa.PrivateKey, keyID, targetURL string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, targetURL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := gofedhttpsig.NewSigner(
		[]gofedhttpsig.Algorithm{gofedhttpsig.RSA_SHA256},
		gofedhttpsig.DigestSha256,
		[]string{gofedhttpsig.RequestTarget, "host", "date", "digest", "content-type"},
		gofedhttpsig.Signature,
		0,
	)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(priv, keyID, req, body))
	return req
}

func TestAcceptDuplicateActivityIsNoOp(t *testing.T) {
	priv, actor := genKeyAndActor(t, "https://remote.test")
	recorder := staticRecorder{actors: map[string]*actorresolver.Actor{actor.ID: actor}}
	resolver := actorresolver.New(recorder)

	store := newFakeStore()
	followMachine := follow.New(newFakeFollowStore())
	notifier := notify.New(fakeNotifyStore{}, nil, nil, nil, nil)
	d := New(store, resolver, followMachine, notifier, 5*time.Minute)

	activity := map[string]interface{}{
		"id":     "https://remote.test/activities/1",
		"type":   "Follow",
		"actor":  actor.ID,
		"object": "https://baudrate.example/ap/users/local",
	}
	body, err := json.Marshal(activity)
	require.NoError(t, err)

	keyID := actor.ID + "#main-key"
	req := signedRequest(t, priv, keyID, "https://baudrate.example/ap/inbox", body)
	req = req.WithContext(context.Background())

	dup, err := d.Accept(context.Background(), req)
	require.NoError(t, err)
	require.False(t, dup)

	req2 := signedRequest(t, priv, keyID, "https://baudrate.example/ap/inbox", body)
	dup2, err := d.Accept(context.Background(), req2)
	require.NoError(t, err)
	require.True(t, dup2)
}

func TestAcceptRejectsBodyOverLimit(t *testing.T) {
	store := newFakeStore()
	resolver := actorresolver.New(nil)
	followMachine := follow.New(newFakeFollowStore())
	notifier := notify.New(fakeNotifyStore{}, nil, nil, nil, nil)
	d := New(store, resolver, followMachine, notifier, 5*time.Minute)

	huge := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "https://baudrate.example/ap/inbox", bytes.NewReader(huge))

	_, err := d.Accept(context.Background(), req)
	require.Error(t, err)
}

func TestAcceptRejectsMissingRequiredFields(t *testing.T) {
	store := newFakeStore()
	resolver := actorresolver.New(nil)
	followMachine := follow.New(newFakeFollowStore())
	notifier := notify.New(fakeNotifyStore{}, nil, nil, nil, nil)
	d := New(store, resolver, followMachine, notifier, 5*time.Minute)

	req := httptest.NewRequest(http.MethodPost, "https://baudrate.example/ap/inbox", bytes.NewReader([]byte(`{"type":"Follow"}`)))
	_, err := d.Accept(context.Background(), req)
	require.Error(t, err)
}
