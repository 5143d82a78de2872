package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := Paths{Prefix: "agent"}

	tokenPath, err := p.AgentToken("abc123")
	require.NoError(t, err)
	assert.Equal(t, "agent/abc123/token", tokenPath)

	cfgPath, err := p.AppConfig("abc123", "web")
	require.NoError(t, err)
	assert.Equal(t, "agent/abc123/apps/web/config", cfgPath)

	unprefixed, err := Paths{}.AgentToken("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123/token", unprefixed)
}

func TestPaths_RejectsTraversal(t *testing.T) {
	p := Paths{Prefix: "agent"}
	for _, bad := range []string{"", "..", "a/b", "a b", "../x"} {
		_, err := p.AgentToken(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, "deployment hash %q", bad)
	}
	_, err := p.AppConfig("abc", "../etc")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "agent/x/token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	doc := map[string]interface{}{"token": "t1"}
	require.NoError(t, s.Put(ctx, "agent/x/token", doc))
	doc["token"] = "mutated"

	got, err := s.Get(ctx, "agent/x/token")
	require.NoError(t, err)
	assert.Equal(t, "t1", got["token"], "store must keep its own copy")

	require.NoError(t, s.Delete(ctx, "agent/x/token"))
	require.NoError(t, s.Delete(ctx, "agent/x/token"))
	assert.Equal(t, 0, s.Len())
}

func TestAppConfig_Normalize(t *testing.T) {
	cfg := AppConfig{Content: "a=1", DestinationPath: "/etc/app.env"}
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, "0644", cfg.FileMode)
	assert.Equal(t, "text/plain", cfg.ContentType)

	bad := AppConfig{Content: "x", DestinationPath: "/x", FileMode: "0999"}
	assert.Error(t, bad.Normalize())

	roundTrip := AppConfigFromMap(AppConfig{Content: "c", DestinationPath: "/d", FileMode: "0600", Owner: "app"}.ToMap())
	assert.Equal(t, "0600", roundTrip.FileMode)
	assert.Equal(t, "app", roundTrip.Owner)
}

// fakeKV speaks the subset of the Vault KV v2 HTTP API used by VaultStore.
type fakeKV struct {
	mu       sync.Mutex
	data     map[string]map[string]interface{}
	versions map[string]int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]map[string]interface{}{}, versions: map[string]int{}}
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.URL.Path, "forbidden") {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/secret/data/"):
		path := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")
		switch r.Method {
		case http.MethodGet:
			doc, ok := f.data[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     doc,
					"metadata": f.metadata(path),
				},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.data[path] = body.Data
			f.versions[path]++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": f.metadata(path)})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/") && r.Method == http.MethodDelete:
		path := strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/")
		delete(f.data, path)
		delete(f.versions, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}
}

func (f *fakeKV) metadata(path string) map[string]interface{} {
	return map[string]interface{}{
		"created_time":    "2026-01-02T03:04:05Z",
		"custom_metadata": nil,
		"deletion_time":   "",
		"destroyed":       false,
		"version":         f.versions[path],
	}
}

func newTestVaultStore(t *testing.T, handler http.Handler) *VaultStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewVaultClient(server.URL, "test-token")
	require.NoError(t, err)
	client.SetMaxRetries(0)
	return NewVaultStore(client, "secret")
}

func TestVaultStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestVaultStore(t, newFakeKV())

	_, err := store.Get(ctx, "agent/abc/token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, store.Put(ctx, "agent/abc/token", map[string]interface{}{"token": "tok-1"}))
	require.NoError(t, store.Put(ctx, "agent/abc/token", map[string]interface{}{"token": "tok-2"}))

	doc, err := store.Get(ctx, "agent/abc/token")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", doc["token"])

	require.NoError(t, store.Delete(ctx, "agent/abc/token"))
	_, err = store.Get(ctx, "agent/abc/token")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultStore_PermissionDenied(t *testing.T) {
	store := newTestVaultStore(t, newFakeKV())

	_, err := store.Get(context.Background(), "agent/forbidden/token")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, IsUnavailable(err))
}

func TestVaultStore_BackendDown(t *testing.T) {
	server := httptest.NewServer(newFakeKV())
	client, err := NewVaultClient(server.URL, "test-token")
	require.NoError(t, err)
	client.SetMaxRetries(0)
	store := NewVaultStore(client, "secret")
	server.Close()

	err = store.Put(context.Background(), "agent/abc/token", map[string]interface{}{"token": "x"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, IsUnavailable(err))
}

func TestVaultStore_InvalidPath(t *testing.T) {
	store := newTestVaultStore(t, newFakeKV())
	assert.ErrorIs(t, store.Put(context.Background(), "", nil), ErrInvalidPath)
	assert.ErrorIs(t, store.Delete(context.Background(), "../root"), ErrInvalidPath)
}
