package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/config"
	"github.com/issue-hub/issue-hub/internal/connectivity"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/server"
	"github.com/issue-hub/issue-hub/internal/syncloop"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	fail      error
	delivered []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, sub queue.Submission, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.delivered = append(d.delivered, sub.LocalID)
	return nil
}

func (d *recordingDeliverer) Report(context.Context, queue.Submission) error { return nil }

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

type controlFixture struct {
	app       *fiber.App
	queue     *queue.Store
	monitor   *connectivity.Monitor
	deliverer *recordingDeliverer
}

func newControlFixture(t *testing.T, initial connectivity.State) *controlFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := t.TempDir()

	store, err := cache.NewStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	fx := &controlFixture{queue: q, deliverer: &recordingDeliverer{}}
	network := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, MaxEntrySize: 1 << 20},
		Origins: []config.OriginConfig{{
			Name:           "portal",
			Domain:         "portal.hub.local",
			Upstream:       "https://portal.example.com",
			CacheNamespace: "shell-v1",
			Manifest:       []string{"/index.html"},
		}},
	}
	registry, err := server.NewOriginRegistry(cfg, server.RegistryOptions{Store: store, Network: network, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	_, err = registry.DeployAll(context.Background())
	require.NoError(t, err)

	fx.monitor = connectivity.NewMonitor(connectivity.Options{Initial: initial, Logger: logger})
	loop, err := syncloop.New(syncloop.Options{
		Queue:     q,
		Deliverer: fx.deliverer,
		Monitor:   fx.monitor,
		Policy:    syncloop.RetryPolicy{Initial: time.Second, Max: time.Minute, MaxAttempts: 5},
		Logger:    logger,
	})
	require.NoError(t, err)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.OriginRoute) error { return c.SendStatus(fiber.StatusNoContent) }),
		ListenPort: 5000,
	})
	require.NoError(t, err)
	RegisterControlRoutes(app, ControlDeps{Registry: registry, Queue: q, Loop: loop, Monitor: fx.monitor, Logger: logger})
	fx.app = app
	return fx
}

func (fx *controlFixture) call(t *testing.T, method, target, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://127.0.0.1:5000"+target, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := fx.app.Test(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestSubmitQueuesWhileOfflineAndSyncDrains(t *testing.T) {
	fx := newControlFixture(t, connectivity.Offline)

	for i := 0; i < 3; i++ {
		status, body := fx.call(t, http.MethodPost, "/-/submissions", `{"record":{"title":"leak"}}`)
		require.Equal(t, http.StatusAccepted, status, string(body))
		var result syncloop.SubmitResult
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Equal(t, syncloop.StatusQueued, result.Status)
		assert.NotEmpty(t, result.LocalID)
	}

	status, body := fx.call(t, http.MethodGet, "/-/queue", "")
	require.Equal(t, http.StatusOK, status)
	var listed struct {
		Counts      queue.Counts       `json:"counts"`
		Submissions []queue.Submission `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Equal(t, 3, listed.Counts.Pending)
	assert.Len(t, listed.Submissions, 3)

	status, _ = fx.call(t, http.MethodPut, "/-/connectivity", `{"state":"online"}`)
	require.Equal(t, http.StatusOK, status)

	status, body = fx.call(t, http.MethodPost, "/-/sync", "")
	require.Equal(t, http.StatusOK, status)
	var report syncloop.PassReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, syncloop.TriggerManual, report.Trigger)
	assert.Equal(t, 3, fx.deliverer.count())

	counts, err := fx.queue.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestSubmitDeliversDirectlyWhenOnline(t *testing.T) {
	fx := newControlFixture(t, connectivity.Online)

	status, body := fx.call(t, http.MethodPost, "/-/submissions", `{"record":{"title":"graffiti"},"attachment_ref":"img-9"}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, 1, fx.deliverer.count())

	fx.deliverer.fail = errors.New("connection reset")
	status, _ = fx.call(t, http.MethodPost, "/-/submissions", `{"record":{"title":"graffiti"}}`)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	fx := newControlFixture(t, connectivity.Offline)

	for _, body := range []string{``, `{}`, `{"record":`, `not json`} {
		status, _ := fx.call(t, http.MethodPost, "/-/submissions", body)
		assert.Equal(t, http.StatusBadRequest, status, body)
	}
}

func TestSubmitReportsCaptureFailure(t *testing.T) {
	fx := newControlFixture(t, connectivity.Offline)
	require.NoError(t, fx.queue.Close())

	status, body := fx.call(t, http.MethodPost, "/-/submissions", `{"record":{"title":"x"}}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, string(body), "capture_failed")
}

func TestConnectivityEndpointValidatesState(t *testing.T) {
	fx := newControlFixture(t, connectivity.Offline)

	status, _ := fx.call(t, http.MethodPut, "/-/connectivity", `{"state":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := fx.call(t, http.MethodPut, "/-/connectivity", `{"state":"offline"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"changed":false`)
	assert.False(t, fx.monitor.Online())
}

func TestRequeueEndpoints(t *testing.T) {
	fx := newControlFixture(t, connectivity.Offline)
	ctx := context.Background()
	id, err := fx.queue.Enqueue(ctx, queue.Payload{Record: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.NoError(t, fx.queue.Park(ctx, id, "422 rejected", time.Now()))

	status, body := fx.call(t, http.MethodPost, "/-/queue/requeue", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"requeued":1}`, string(body))

	status, _ = fx.call(t, http.MethodPost, "/-/queue/"+id+"/requeue", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = fx.call(t, http.MethodPost, "/-/queue/missing/requeue", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeployGenerationSwitchesNamespace(t *testing.T) {
	fx := newControlFixture(t, connectivity.Online)

	status, _ := fx.call(t, http.MethodPost, "/-/origins/unknown/generation", `{"namespace":"v2"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = fx.call(t, http.MethodPost, "/-/origins/portal/generation", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := fx.call(t, http.MethodPost, "/-/origins/portal/generation", `{"namespace":"shell-v2"}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"evicted":["shell-v1"]`)

	status, body = fx.call(t, http.MethodGet, "/-/status", "")
	require.Equal(t, http.StatusOK, status)
	var payload statusPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Origins, 1)
	assert.Equal(t, "shell-v2", payload.Origins[0].Namespace)
	assert.Equal(t, "active", payload.Origins[0].Phase)
	assert.Equal(t, "online", payload.Connectivity.State)
}

func TestDeployGenerationRejectsBadRequests(t *testing.T) {
	fx := newControlFixture(t, connectivity.Online)

	cases := []struct {
		body string
		code string
	}{
		{body: `{"namespace":`, code: "invalid_body"},
		{body: `{"namespace":"  "}`, code: "namespace_required"},
		{body: `{"namespace":"../x"}`, code: "invalid_namespace"},
		{body: `{"namespace":".hidden"}`, code: "invalid_namespace"},
		{body: `{"namespace":"a\\b"}`, code: "invalid_namespace"},
	}
	for _, tc := range cases {
		status, body := fx.call(t, http.MethodPost, "/-/origins/portal/generation", tc.body)
		assert.Equal(t, http.StatusBadRequest, status, tc.body)
		assert.Contains(t, string(body), tc.code, tc.body)
	}

	status, body := fx.call(t, http.MethodGet, "/-/status", "")
	require.Equal(t, http.StatusOK, status)
	var payload statusPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "shell-v1", payload.Origins[0].Namespace, "rejected deploys must leave the active generation")
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	fx := newControlFixture(t, connectivity.Online)

	status, body := fx.call(t, http.MethodGet, "/-/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "issue_hub_")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
