package actorresolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	actors map[string]*Actor
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{actors: map[string]*Actor{}} }

func (f *fakeRecorder) LoadActor(ctx context.Context, apID string) (*Actor, error) {
	return f.actors[apID], nil
}

func (f *fakeRecorder) SaveActor(ctx context.Context, a *Actor) error {
	f.actors[a.ID] = a
	return nil
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                "https://remote.example/actor",
			"inbox":              "https://remote.example/actor/inbox",
			"preferredUsername": "remote",
			"publicKey": map[string]string{
				"id":           "https://remote.example/actor#main-key",
				"owner":        "https://remote.example/actor",
				"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n",
			},
		})
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	resolver := New(rec)
	resolver.client = srv.Client()

	a, err := resolver.Resolve(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)
	require.Equal(t, "https://remote.example/actor", a.ID)
	require.Equal(t, 1, hits)

	// Second call hits the in-process cache, not the network.
	_, err = resolver.Resolve(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)
	require.Equal(t, 1, hits)
}

func TestResolveRejectsNonHTTPS(t *testing.T) {
	resolver := New(newFakeRecorder())
	_, err := resolver.Resolve(context.Background(), "http://insecure.example/actor")
	require.Error(t, err)
}
