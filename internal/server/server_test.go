package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/config"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
	"github.com/hiroshiyui/baudrate-sub002/internal/store"
	"github.com/hiroshiyui/baudrate-sub002/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		BaseURL:             "https://forum.test",
		SiteName:            "Baudrate",
		Port:                "0",
		RegistrationMode:    config.RegistrationOpen,
		APFederationEnabled: true,
		APFederationMode:    config.FederationBlocklist,
		SessionTTL:          14 * 24 * time.Hour,
		MaxSessionsPerUser:  3,
		ClockSkewTolerance:  12 * time.Hour,
	}
}

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	log := discardLogger()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := store.Open(dsn, log)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	st.SetBaseURL(cfg.BaseURL)

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	keys := keystore.New(st, v, log)

	srv := New(cfg, log, Deps{Store: st, Keys: keys})
	return srv, st
}

func doRequest(srv *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func createBoard(t *testing.T, st *store.Store, slug string, private bool) *store.Board {
	t.Helper()
	b := &store.Board{
		Slug:           slug,
		APID:           "https://forum.test/ap/boards/" + slug,
		Name:           slug,
		Private:        private,
		APEnabled:      true,
		APAcceptPolicy: "open",
		MinRoleToView:  "guest",
	}
	id, err := st.CreateBoard(context.Background(), b)
	require.NoError(t, err)
	b.ID = id
	return b
}

func TestWebFingerResolvesUser(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@forum.test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jrd+json", rec.Header().Get("Content-Type"))

	var body struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acct:alice@forum.test", body.Subject)
	require.Len(t, body.Links, 1)
	assert.Equal(t, "https://forum.test/ap/users/alice", body.Links[0].Href)
}

func TestWebFingerResolvesBoardWithBangPrefix(t *testing.T) {
	srv, st := testServer(t)
	createBoard(t, st, "general", false)

	rec := doRequest(srv, http.MethodGet, "/.well-known/webfinger?resource=acct:!general@forum.test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://forum.test/ap/boards/general")
}

func TestWebFingerForeignHostIs404(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@elsewhere.test")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNodeInfoDiscoveryAndDocument(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/.well-known/nodeinfo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/nodeinfo/2.1")

	rec = doRequest(srv, http.MethodGet, "/nodeinfo/2.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		Version  string `json:"version"`
		Software struct {
			Name string `json:"name"`
		} `json:"software"`
		Protocols         []string `json:"protocols"`
		OpenRegistrations bool     `json:"openRegistrations"`
		Usage             struct {
			Users struct {
				Total int `json:"total"`
			} `json:"users"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "2.1", info.Version)
	assert.Equal(t, "baudrate", info.Software.Name)
	assert.Equal(t, []string{"activitypub"}, info.Protocols)
	assert.True(t, info.OpenRegistrations)
	assert.Equal(t, 1, info.Usage.Users.Total)

	rec = doRequest(srv, http.MethodGet, "/nodeinfo/2.0")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserActorDocument(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/ap/users/alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/activity+json", rec.Header().Get("Content-Type"))

	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actor))
	assert.Equal(t, "Person", actor["type"])
	assert.Equal(t, "https://forum.test/ap/users/alice", actor["id"])
	assert.Equal(t, "alice", actor["preferredUsername"])

	pk, ok := actor["publicKey"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, pk["publicKeyPem"], "BEGIN PUBLIC KEY")
}

func TestUnknownUserActorIs404(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(srv, http.MethodGet, "/ap/users/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBoardActorDocumentWithSubBoards(t *testing.T) {
	srv, st := testServer(t)
	parent := createBoard(t, st, "tech", false)

	child := &store.Board{
		Slug:           "golang",
		APID:           "https://forum.test/ap/boards/golang",
		Name:           "golang",
		ParentBoardID:  parent.ID,
		APEnabled:      true,
		APAcceptPolicy: "open",
		MinRoleToView:  "guest",
	}
	_, err := st.CreateBoard(context.Background(), child)
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/ap/boards/tech")
	require.Equal(t, http.StatusOK, rec.Code)

	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actor))
	assert.Equal(t, "Group", actor["type"])
	assert.Contains(t, rec.Body.String(), "https://forum.test/ap/boards/golang")
}

func TestPrivateBoardIs404Everywhere(t *testing.T) {
	srv, st := testServer(t)
	createBoard(t, st, "staff", true)

	for _, target := range []string{
		"/ap/boards/staff",
		"/ap/boards/staff/outbox",
		"/ap/boards/staff/followers",
		"/.well-known/webfinger?resource=acct:!staff@forum.test",
	} {
		rec := doRequest(srv, http.MethodGet, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestSiteActorDocument(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(srv, http.MethodGet, "/ap/site")
	require.Equal(t, http.StatusOK, rec.Code)

	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actor))
	assert.Equal(t, "Organization", actor["type"])
	assert.Equal(t, "Baudrate", actor["name"])
}

func TestUserOutboxRootAndPageBeyondEnd(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/ap/users/alice/outbox")
	require.Equal(t, http.StatusOK, rec.Code)

	var root struct {
		Type       string `json:"type"`
		TotalItems int    `json:"totalItems"`
		First      string `json:"first"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, "OrderedCollection", root.Type)
	assert.Equal(t, 0, root.TotalItems)
	assert.NotEmpty(t, root.First)

	rec = doRequest(srv, http.MethodGet, "/ap/users/alice/outbox?page=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Type         string        `json:"type"`
		OrderedItems []interface{} `json:"orderedItems"`
		Next         string        `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, "OrderedCollectionPage", page.Type)
	assert.Empty(t, page.OrderedItems)
	assert.Empty(t, page.Next)
}

func TestInboxWithFederationDisabledIs404(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.APFederationEnabled = false

	rec := doRequest(srv, http.MethodPost, "/ap/inbox")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInboxBlockedDomainIsRejected(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.APDomainBlocklist = []string{"bad.example"}

	req := httptest.NewRequest(http.MethodPost, "/ap/inbox", nil)
	req.Header.Set("Signature", `keyId="https://bad.example/users/mallory#main-key",headers="(request-target) host date",signature="x"`)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignatureOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ap/inbox", nil)
	req.Header.Set("Signature", `keyId="https://Remote.Example/users/bob#main-key",headers="date",signature="x"`)
	assert.Equal(t, "remote.example", signatureOrigin(req))

	noSig := httptest.NewRequest(http.MethodPost, "/ap/inbox", nil)
	noSig.RemoteAddr = "203.0.113.9:4321"
	assert.Equal(t, "203.0.113.9", signatureOrigin(noSig))
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindInvalidCredentials, http.StatusUnauthorized},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindUnauthorized, http.StatusForbidden},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindValidation, http.StatusUnprocessableEntity},
		{apperr.KindSignatureInvalid, http.StatusUnauthorized},
		{apperr.KindUpstreamFailure, http.StatusBadGateway},
		{apperr.KindVaultError, http.StatusInternalServerError},
		{apperr.KindBanned, http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, apperr.New(tt.kind, "boom"))
		assert.Equal(t, tt.want, rec.Code, string(tt.kind))
	}
}

func TestVaultErrorNeverLeaksDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperr.New(apperr.KindVaultError, "aes key material xyz"))
	assert.NotContains(t, rec.Body.String(), "xyz")
}

func TestPageParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, 0, pageParam(req))

	req = httptest.NewRequest(http.MethodGet, "/x?page=3", nil)
	assert.Equal(t, 3, pageParam(req))

	req = httptest.NewRequest(http.MethodGet, "/x?page=junk", nil)
	assert.Equal(t, 1, pageParam(req))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hello-world-abcd", slugify("Hello, World!", "abcd"))
	assert.Equal(t, "abcd", slugify("!!!", "abcd"))
}

func TestPendingTOTPTakeIsOneShot(t *testing.T) {
	p := newPendingTOTP()
	token, err := p.put("user-1", nil)
	require.NoError(t, err)

	entry, ok := p.take(token)
	require.True(t, ok)
	assert.Equal(t, "user-1", entry.userID)

	_, ok = p.take(token)
	assert.False(t, ok)
}

func TestInboxLimiterCapsPerOrigin(t *testing.T) {
	l := newInboxLimiter(2)
	require.True(t, l.acquire("a.test"))
	require.True(t, l.acquire("a.test"))
	assert.False(t, l.acquire("a.test"))
	assert.True(t, l.acquire("b.test"))

	l.release("a.test")
	assert.True(t, l.acquire("a.test"))
}
