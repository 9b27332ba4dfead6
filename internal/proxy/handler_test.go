package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/config"
	"github.com/issue-hub/issue-hub/internal/server"
)

type fakeOrigin struct {
	offline atomic.Bool
	mu      sync.Mutex
	hits    map[string]int
}

func (f *fakeOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	f.mu.Lock()
	f.hits[req.Method+" "+req.URL.Path]++
	f.mu.Unlock()

	status := http.StatusOK
	body := "content of " + req.URL.Path
	if req.Method == http.MethodPost {
		status = http.StatusCreated
		body = `{"id":"issue-1"}`
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}, "Connection": {"close"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *fakeOrigin) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func newProxyApp(t *testing.T, deploy bool) (*fiber.App, *fakeOrigin) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, MaxEntrySize: 1 << 20},
		Origins: []config.OriginConfig{{
			Name:           "portal",
			Domain:         "portal.hub.local",
			Upstream:       "https://portal.example.com",
			CacheNamespace: "shell-v1",
			Manifest:       []string{"/index.html"},
			APIPrefixes:    []string{"/api/"},
		}},
	}
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	origin := &fakeOrigin{hits: map[string]int{}}

	registry, err := server.NewOriginRegistry(cfg, server.RegistryOptions{Store: store, Network: origin, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	if deploy {
		_, err = registry.DeployAll(context.Background())
		require.NoError(t, err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: 5000,
	})
	require.NoError(t, err)
	return app, origin
}

func doRequest(t *testing.T, app *fiber.App, method, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://portal.hub.local"+target, nil)
	req.Host = "portal.hub.local"
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandlerServesPrecachedShellWhileOffline(t *testing.T) {
	app, origin := newProxyApp(t, true)
	origin.offline.Store(true)

	resp, body := doRequest(t, app, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "content of /index.html", body)
	assert.Equal(t, "hit", resp.Header.Get(headerCache))
	assert.Equal(t, "https://portal.example.com", resp.Header.Get(headerUpstream))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHandlerCachesMissThenServesFromCache(t *testing.T) {
	app, origin := newProxyApp(t, true)

	resp, body := doRequest(t, app, http.MethodGet, "/app.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get(headerCache))
	assert.Equal(t, "content of /app.js", body)

	origin.offline.Store(true)
	resp, body = doRequest(t, app, http.MethodGet, "/app.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(headerCache))
	assert.Equal(t, "content of /app.js", body)
}

func TestHandlerReturnsBadGatewayOnOfflineMiss(t *testing.T) {
	app, origin := newProxyApp(t, true)
	origin.offline.Store(true)

	resp, body := doRequest(t, app, http.MethodGet, "/never-seen.css")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "upstream_failed")
}

func TestHandlerBypassesMutatingAndAPIRequests(t *testing.T) {
	app, origin := newProxyApp(t, true)

	resp, body := doRequest(t, app, http.MethodPost, "/api/issues")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get(headerCache))
	assert.Equal(t, "method", resp.Header.Get(headerBypass))
	assert.JSONEq(t, `{"id":"issue-1"}`, body)

	resp, _ = doRequest(t, app, http.MethodGet, "/api/issues")
	assert.Equal(t, "bypass", resp.Header.Get(headerCache))
	assert.Equal(t, "api", resp.Header.Get(headerBypass))

	// API 响应不入缓存：离线后再次请求直接失败。
	origin.offline.Store(true)
	resp, _ = doRequest(t, app, http.MethodGet, "/api/issues")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, origin.count("GET /api/issues"))
}

func TestHandlerReportsNotReadyBeforeDeploy(t *testing.T) {
	app, _ := newProxyApp(t, false)

	resp, body := doRequest(t, app, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "cache_not_ready")
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	app, _ := newProxyApp(t, true)

	resp, body := doRequest(t, app, http.MethodHead, "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}
