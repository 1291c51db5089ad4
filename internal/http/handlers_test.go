package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecascade/internal/cache"
	"tilecascade/internal/config"
	"tilecascade/internal/dataset"
	"tilecascade/internal/index"
	"tilecascade/internal/scheduler"
	"tilecascade/internal/source"
	"tilecascade/internal/tileset"
)

const testDataset = "synthetic"

type testServer struct {
	*httptest.Server
	sessions *Sessions
	store    *cache.MemoryCache
}

func newTestServer(t *testing.T, configure ...func(*config.Config)) *testServer {
	t.Helper()
	log := zap.NewNop()

	store := cache.NewMemoryCache(16)
	registry := dataset.NewRegistry(t.TempDir(), store, log)
	extent := orb.Bound{Max: orb.Point{256, 256}}
	registry.Register(&dataset.Dataset{
		ID:       testDataset,
		Name:     "Synthetic",
		Kind:     dataset.KindImage,
		Format:   "bin",
		TileSize: 256,
		MaxZoom:  4,
		Extent:   &extent,
		Index:    index.Cartesian{TileSize: 256, Extent: &extent},
		Metadata: index.CartesianMetadata(256),
		Loader:   source.Synthetic{Size: 16},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sessions := NewSessions(ctx, registry, tileset.DefaultOptions(), scheduler.New(0), log)
	cfg := &config.Config{}
	for _, fn := range configure {
		fn(cfg)
	}
	h := New(cfg, log, registry, sessions, store)

	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(h.CORSMiddleware(h.RequestLoggingMiddleware(mux)))

	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
		cancel()
	})
	return &testServer{Server: srv, sessions: sessions, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/sessions", map[string]string{"dataset": testDataset})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[sessionResponse](t, resp).ID
}

func TestDatasets(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/api/datasets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decodeBody[[]map[string]any](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, testDataset, list[0]["id"])
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createSession(t)
	assert.Equal(t, 1, srv.sessions.Len())

	resp := srv.do(t, http.MethodPost, "/api/sessions/"+id+"/viewport?wait=2s", map[string]any{
		"bound": []float64{0, 0, 256, 256},
		"zoom":  0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vp := decodeBody[viewportResponse](t, resp)
	require.Len(t, vp.Tiles, 1)
	assert.Equal(t, tileView{X: 0, Y: 0, Z: 0, State: "loaded", Visible: true, Selected: true, Bytes: 16}, vp.Tiles[0])
	assert.True(t, vp.Changed)
	assert.EqualValues(t, 16, vp.Bytes)

	resp = srv.do(t, http.MethodGet, "/api/sessions/"+id+"/tiles/0/0/0.bin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, 16)
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	resp = srv.do(t, http.MethodGet, "/api/sessions/"+id+"/tiles/3/0/0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/sessions/"+id+"/tiles/a/0/0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/sessions/"+id+"/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"resident": 1}, decodeBody[map[string]int](t, resp))

	resp = srv.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, srv.sessions.Len())

	resp = srv.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/api/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/sessions", map[string]string{"dataset": testDataset, "strategy": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/sessions", map[string]string{"dataset": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/sessions", map[string]string{"dataset": testDataset, "strategy": "no-overlap"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestViewportValidation(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createSession(t)
	path := "/api/sessions/" + id + "/viewport"

	cases := map[string]any{
		"missing zoom":   map[string]any{"bound": []float64{0, 0, 1, 1}},
		"short bound":    map[string]any{"bound": []float64{0, 0, 1}, "zoom": 1},
		"inverted bound": map[string]any{"bound": []float64{5, 0, 1, 1}, "zoom": 1},
		"bad transform":  map[string]any{"bound": []float64{0, 0, 1, 1}, "zoom": 1, "transform": []float64{1, 0}},
	}
	for name, body := range cases {
		resp := srv.do(t, http.MethodPost, path, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	resp := srv.do(t, http.MethodPost, "/api/sessions/nope/viewport", map[string]any{"bound": []float64{0, 0, 1, 1}, "zoom": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewportTileLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.MaxViewportTiles = 8 })
	id := srv.createSession(t)
	path := "/api/sessions/" + id + "/viewport"

	// 16x16 tiles at the dataset's deepest level.
	resp := srv.do(t, http.MethodPost, path, map[string]any{"bound": []float64{0, 0, 256, 256}, "zoom": 4})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody[map[string]string](t, resp)["error"], ErrTooManyTiles.Error())

	var resident int
	s, err := srv.sessions.Get(id)
	require.NoError(t, err)
	s.With(func(ts *tileset.Tileset) { resident = ts.Len() })
	assert.Zero(t, resident, "a rejected viewport must not create tiles")

	resp = srv.do(t, http.MethodPost, path, map[string]any{"bound": []float64{0, 0, 32, 32}, "zoom": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[viewportResponse](t, resp).Tiles, 4)
}

func TestClearCache(t *testing.T) {
	srv := newTestServer(t)
	key := cache.Key{Dataset: testDataset, Format: "bin"}
	require.NoError(t, srv.store.Set(context.Background(), key, []byte("tile")))

	resp := srv.do(t, http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ok, err := srv.store.Has(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, srv.store.Len())
}

func TestExpireIdleSessions(t *testing.T) {
	srv := newTestServer(t)
	srv.createSession(t)

	assert.Zero(t, srv.sessions.Expire(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, srv.sessions.Expire(time.Millisecond))
	assert.Zero(t, srv.sessions.Len())
}

func TestMiddleware(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodOptions, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = srv.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = srv.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
