package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tileview/internal/config"
	"tileview/internal/pyramid"
	"tileview/internal/store"
	"tileview/internal/tile"
)

type fixture struct {
	pyramid  *pyramid.CachingPyramid[[]byte]
	memory   *store.Memory[[]byte]
	handlers *Handlers
	server   http.Handler
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	p, err := pyramid.New[[]byte](
		pyramid.WithLogger(zap.NewNop()),
		pyramid.WithReadTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mem := store.NewMemory[[]byte]()
	require.NoError(t, p.RegisterStore("roads", mem))

	if cfg == nil {
		cfg = &config.Config{}
	}
	h := New(cfg, zap.NewNop(), p)
	h.AddLayer(NewLayer("roads", "application/vnd.mapbox-vector-tile", "mvt"))
	h.AddLayer(NewLayer("empty", "", ""))

	return &fixture{
		pyramid:  p,
		memory:   mem,
		handlers: h,
		server:   h.CORSMiddleware(h.Routes()),
	}
}

func (f *fixture) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestTile(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.Put("roads", tile.NewData(tile.NewKey(1, 0, 1), []byte("vector")))

	rec := f.do(http.MethodGet, "/api/layers/roads/tiles/1/0/1.mvt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vector", rec.Body.String())
	require.Equal(t, "application/vnd.mapbox-vector-tile", rec.Header().Get("Content-Type"))
	require.Equal(t, "6", rec.Header().Get("X-Tile-Bytes"))
	require.NotEmpty(t, rec.Header().Get("Last-Modified"))

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = f.do(http.MethodGet, "/api/layers/roads/tiles/1/0/1.mvt", "", map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = f.do(http.MethodHead, "/api/layers/roads/tiles/1/0/1.mvt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "6", rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Body.String())
}

func TestTileErrors(t *testing.T) {
	f := newFixture(t, nil)

	for _, tc := range []struct {
		method string
		target string
		status int
	}{
		{http.MethodGet, "/api/layers/roads/tiles/1/1/1.mvt", http.StatusNotFound},
		{http.MethodGet, "/api/layers/rail/tiles/1/1/1.mvt", http.StatusNotFound},
		{http.MethodGet, "/api/layers/roads/tiles/1/1/1.png", http.StatusBadRequest},
		{http.MethodGet, "/api/layers/roads/tiles/1/-1/1.mvt", http.StatusBadRequest},
		{http.MethodGet, "/api/layers/roads/tiles/z/1/1.mvt", http.StatusBadRequest},
		{http.MethodGet, "/api/layers/roads/tiles/1/1", http.StatusNotFound},
		{http.MethodPost, "/api/layers/roads/tiles/1/1/1.mvt", http.StatusMethodNotAllowed},
	} {
		rec := f.do(tc.method, tc.target, "", nil)
		require.Equal(t, tc.status, rec.Code, "%s %s", tc.method, tc.target)
	}
}

func TestTileETagChangesWithLayerData(t *testing.T) {
	f := newFixture(t, nil)
	k := tile.NewKey(0, 0, 0)

	before := f.handlers.lastModified("roads")
	require.Equal(t, f.handlers.started, before)
	require.NotEqual(t, tileETag("roads", k, before), tileETag("roads", k, before.Add(time.Second)))
	require.NotEqual(t, tileETag("roads", k, before), tileETag("rail", k, before))

	f.handlers.LayerDataChanged("roads")
	require.False(t, f.handlers.lastModified("roads").Before(before))
	require.Equal(t, before, f.handlers.lastModified("rail"))
}

func TestMeta(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.SetMetaData("roads", `{"minzoom":0}`)

	rec := f.do(http.MethodGet, "/api/layers/roads/meta", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"minzoom":0}`, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = f.do(http.MethodGet, "/api/layers/empty/meta", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLayers(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/layers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var layers []Layer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layers))
	require.Len(t, layers, 2)
	require.Equal(t, "empty", layers[0].ID)
	require.Equal(t, "application/octet-stream", layers[0].ContentType)
	require.Equal(t, "bin", layers[0].Extension)
	require.Equal(t, "roads", layers[1].ID)
}

func TestPrefetch(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.Put("roads", tile.NewData(tile.NewKey(2, 1, 1), []byte("a")))

	rec := f.do(http.MethodPost, "/api/layers/roads/prefetch",
		`{"tiles":["3/0/0"],"bounds":{"level":2,"minX":0,"maxX":1,"minY":0,"maxY":1}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"queued":5}`, rec.Body.String())

	require.Eventually(t, func() bool {
		stats, ok := f.pyramid.Stats("roads")
		return ok && stats.Retained == 5 && stats.Queued == 0 && stats.Pending == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPrefetchRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{
		`not json`,
		`{"tiles":["1/2"]}`,
		`{"bounds":{"level":2,"minX":1,"maxX":0,"minY":0,"maxY":0}}`,
		`{"bounds":{"level":12,"minX":0,"maxX":99,"minY":0,"maxY":99}}`,
		`{"bounds":{"level":2,"minX":0,"maxX":4,"minY":0,"maxY":0}}`,
		`{"bounds":{"level":40,"minX":0,"maxX":4294967295,"minY":0,"maxY":4294967295}}`,
	} {
		rec := f.do(http.MethodPost, "/api/layers/roads/prefetch", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := f.do(http.MethodGet, "/api/layers/roads/prefetch", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	stats, ok := f.pyramid.Stats("roads")
	require.True(t, ok)
	require.Zero(t, stats.Queued+stats.Pending+stats.Retained)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodOptions, "/api/layers", "", map[string]string{"Origin": "http://example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodGet, "/api/layers", "", map[string]string{"Origin": "http://evil.test"})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodGet, "/api/layers", "", nil)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	f = newFixture(t, &config.Config{AllowedOrigin: "https://maps.example.org"})
	rec = f.do(http.MethodGet, "/api/layers", "", map[string]string{"Origin": "http://evil.test"})
	require.Equal(t, "https://maps.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging(t *testing.T) {
	f := newFixture(t, nil)
	core, logs := observer.New(zapcore.InfoLevel)
	f.handlers.logger = zap.New(core)

	req := httptest.NewRequest(http.MethodGet, "/api/layers/rail/meta", nil)
	req.Header.Set("X-Real-Ip", "10.1.2.3")
	rec := httptest.NewRecorder()
	f.handlers.RequestLoggingMiddleware(f.handlers.Routes()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, int64(http.StatusNotFound), fields["status"])
	require.Equal(t, "10.1.2.3", fields["ip"])
	require.Equal(t, rec.Header().Get("X-Request-Id"), fields["request_id"])
}
