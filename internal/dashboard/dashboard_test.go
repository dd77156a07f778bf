package dashboard

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
	"github.com/compintel/profilesync/internal/remote"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type verifierFunc func(ctx context.Context, token string) (identity.Transition, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (identity.Transition, error) {
	return f(ctx, token)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	dir    string
}

// newTestEnv serves a file store seeded with records through a dashboard
// server. Records are written before the server starts.
func newTestEnv(t *testing.T, verifier identity.Verifier, records map[string]remote.RawEntity) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, verifier, records, nil)
}

// newTestEnvWithStore is newTestEnv with the caches reading through wrap.
func newTestEnvWithStore(t *testing.T, verifier identity.Verifier, records map[string]remote.RawEntity, wrap func(remote.Store) remote.Store) *testEnv {
	t.Helper()

	logger := log.New(io.Discard, "", 0)

	root := t.TempDir()
	dir := filepath.Join(root, remote.DefaultCollection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create collection dir: %v", err)
	}
	for id, entity := range records {
		if err := remote.WriteRecordFile(dir, id, entity); err != nil {
			t.Fatalf("Failed to write record %s: %v", id, err)
		}
	}

	fileStore, err := remote.NewFileStore(root, &remote.FileStoreConfig{Debounce: 20 * time.Millisecond, Logger: logger})
	require.NoError(t, err)
	var store remote.Store = fileStore
	if wrap != nil {
		store = wrap(store)
	}

	reg := metrics.NewRegistry()
	caches := cache.NewRegistry(func() *cache.SyncCache {
		return cache.New(store, cache.Options{
			Order:   []string{"signzy", "idfy"},
			Logger:  logger,
			Metrics: reg,
		})
	}, time.Minute)
	t.Cleanup(caches.Close)

	server, err := NewServer(&Config{
		Registry:        caches,
		Verifier:        verifier,
		Metrics:         reg,
		RefreshInterval: time.Hour,
		Logger:          logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Stop()
		ts.Close()
	})

	return &testEnv{server: server, http: ts, dir: dir}
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// waitForList polls the listing until it has settled with n records.
func (e *testEnv) waitForList(t *testing.T, query string, n int) listResponse {
	t.Helper()
	var resp listResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp = listResponse{}
		status := e.get(t, "/api/companies"+query, &resp)
		if status == http.StatusOK && !resp.Loading && len(resp.Records) == n {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listing never settled with %d records (last: %+v)", n, resp)
	return resp
}

func seed() map[string]remote.RawEntity {
	return map[string]remote.RawEntity{
		"idfy":   {"name": "IDfy", "about": "Identity verification"},
		"signzy": {"name": "Signzy", "clients": []any{"Bank A"}},
		"acme":   {"name": "Acme Onboarding", "products": map[string]any{"kyc": map[string]any{"title": "KYC"}}},
	}
}

func recordIDs(records []cache.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	assert.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	caches := cache.NewRegistry(func() *cache.SyncCache { return nil }, 0)
	server, err := NewServer(&Config{Port: 0, Registry: caches, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	require.NoError(t, server.Start())
	assert.NotEmpty(t, server.GetAddr())
	require.NoError(t, server.Stop())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var body map[string]any
	status := env.get(t, "/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, seed())
	env.waitForList(t, "", 3)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "intel_cache_passes_total")
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		verify verifierFunc
		want   int
	}{
		{
			name: "absent",
			verify: func(context.Context, string) (identity.Transition, error) {
				return identity.Absent, identity.ErrNoToken
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "domain not allowed",
			verify: func(context.Context, string) (identity.Transition, error) {
				return identity.Absent, identity.ErrDomainNotAllowed
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "unverified",
			verify: func(context.Context, string) (identity.Transition, error) {
				return identity.Transition{Identity: "u@example.com"}, identity.ErrEmailNotVerified
			},
			want: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.verify, nil)

			var body map[string]string
			status := env.get(t, "/api/companies", &body)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, 0, env.server.registry.Len())
		})
	}
}

func TestAuth_BearerToken(t *testing.T) {
	var seen string
	env := newTestEnv(t, verifierFunc(func(_ context.Context, token string) (identity.Transition, error) {
		seen = token
		return identity.Static("u@example.com"), nil
	}), nil)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/companies", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer abc123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", seen)
}

func TestListCompanies(t *testing.T) {
	env := newTestEnv(t, nil, seed())

	resp := env.waitForList(t, "", 3)
	assert.Equal(t, []string{"signzy", "idfy", "acme"}, recordIDs(resp.Records))
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 1, resp.TotalPages)
	assert.Equal(t, []int{1}, resp.Pages)

	paged := env.waitForList(t, "?page=2&per_page=2", 1)
	assert.Equal(t, []string{"acme"}, recordIDs(paged.Records))
	assert.Equal(t, 2, paged.Page)
	assert.Equal(t, 3, paged.Total)
}

func TestListCompanies_Search(t *testing.T) {
	env := newTestEnv(t, nil, seed())
	env.waitForList(t, "", 3)

	resp := env.waitForList(t, "?q=ONBOARD", 1)
	assert.Equal(t, []string{"acme"}, recordIDs(resp.Records))
}

func TestListCompanies_BadQuery(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	status := env.get(t, "/api/companies?per_page=1000", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = env.get(t, "/api/companies?since=qwertyuiop", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetCompany(t *testing.T) {
	env := newTestEnv(t, nil, seed())
	env.waitForList(t, "", 3)

	var rec cache.Record
	status := env.get(t, "/api/companies/acme", &rec)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acme", rec.ID)
	assert.True(t, rec.IsSupplemental)
	require.Len(t, rec.Products, 1)
	assert.Equal(t, "kyc", rec.Products[0].Name)

	status = env.get(t, "/api/companies/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// gatedStore holds every point read until the gate is closed, keeping the
// first pass in flight.
type gatedStore struct {
	remote.Store
	gate chan struct{}
}

func (g *gatedStore) ReadOnce(ctx context.Context, path string) (*remote.Entry, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Store.ReadOnce(ctx, path)
}

func TestFirstRequestReportsLoading(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	open := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(open)

	env := newTestEnvWithStore(t, nil, seed(), func(s remote.Store) remote.Store {
		return &gatedStore{Store: s, gate: gate}
	})

	var resp listResponse
	status := env.get(t, "/api/companies", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Loading, "first listing must not look settled")
	assert.Nil(t, resp.Error)

	status = env.get(t, "/api/companies/signzy", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	open()
	env.waitForList(t, "", 3)

	status = env.get(t, "/api/companies/signzy", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRefreshThrottled(t *testing.T) {
	env := newTestEnv(t, nil, seed())
	env.waitForList(t, "", 3)

	post := func() int {
		resp, err := http.Post(env.http.URL+"/api/refresh", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readSnapshot reads messages until a settled snapshot with n records.
func readSnapshot(t *testing.T, ctx context.Context, conn *websocket.Conn, n int) SnapshotData {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeSnapshot {
			continue
		}
		var data SnapshotData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		if !data.Loading && len(data.Records) == n {
			return data
		}
	}
}

func TestWebSocketSnapshots(t *testing.T) {
	env := newTestEnv(t, nil, seed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	data := readSnapshot(t, ctx, conn, 3)
	assert.Equal(t, []string{"signzy", "idfy", "acme"}, recordIDs(data.Records))
	assert.Eventually(t, func() bool { return env.server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, remote.WriteRecordFile(env.dir, "bureau", remote.RawEntity{"name": "Bureau"}))

	data = readSnapshot(t, ctx, conn, 4)
	assert.Equal(t, []string{"signzy", "idfy", "acme", "bureau"}, recordIDs(data.Records))
}

func TestWebSocketDisconnect(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	readMessage(t, ctx, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool { return env.server.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerMessages(t *testing.T) {
	h := NewHandler(log.New(io.Discard, "", 0))
	updated := time.Now()

	loading := &cache.Snapshot{Loading: true}
	msgs := h.Messages(loading)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeSnapshot, msgs[0].Type)

	settled := &cache.Snapshot{Records: []cache.Record{
		{ID: "signzy", Products: []cache.Product{{Name: "kyc"}}, LastUpdatedRaw: &updated},
		{ID: "extra", Products: []cache.Product{}, IsSupplemental: true},
	}}
	msgs = h.Messages(settled)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeStats, msgs[1].Type)

	var stats StatsData
	require.NoError(t, json.Unmarshal(msgs[1].Data, &stats))
	assert.Equal(t, StatsData{Total: 2, Supplemental: 1, WithProducts: 1, UnknownUpdated: 1}, stats)
}

func TestNewSnapshotData_Error(t *testing.T) {
	data := NewSnapshotData(&cache.Snapshot{})
	assert.Nil(t, data.Error)
	assert.NotNil(t, data.Records)

	data = NewSnapshotData(&cache.Snapshot{Error: cache.DeniedMessage})
	require.NotNil(t, data.Error)
	assert.Equal(t, cache.DeniedMessage, *data.Error)

	raw, err := json.Marshal(NewSnapshotData(nil))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error":null`)
}

func TestServer_Middleware(t *testing.T) {
	caches := cache.NewRegistry(func() *cache.SyncCache { return nil }, 0)
	defer caches.Close()

	var seen []string
	server, err := NewServer(&Config{
		Registry: caches,
		Logger:   log.New(io.Discard, "", 0),
		Middleware: []gin.HandlerFunc{func(c *gin.Context) {
			seen = append(seen, c.Request.URL.Path)
			c.Next()
		}},
	})
	require.NoError(t, err)
	defer server.Stop()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/health"}, seen)
}
