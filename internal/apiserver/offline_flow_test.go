package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issue-hub/issue-hub/internal/connectivity"
	"github.com/issue-hub/issue-hub/internal/delivery"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/staging"
	"github.com/issue-hub/issue-hub/internal/syncloop"
)

// 三条离线提交在恢复联网后依次送达，服务端恰好生成三条问题，暂存集合三条均为已同步。
func TestOfflineSubmissionsReachServerAfterReconnect(t *testing.T) {
	fx := newAPIFixture(t)
	srv := httptest.NewServer(adaptor.FiberApp(fx.app))
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	client, err := delivery.New(delivery.Options{
		Endpoint:        srv.URL + "/api/issues",
		StagingEndpoint: srv.URL + "/api/offline-submissions",
		OwnerID:         "owner-1",
		Timeout:         5 * time.Second,
		Logger:          logger,
	})
	require.NoError(t, err)

	monitor := connectivity.NewMonitor(connectivity.Options{Initial: connectivity.Offline, Logger: logger})
	loop, err := syncloop.New(syncloop.Options{
		Queue:     q,
		Deliverer: client,
		Monitor:   monitor,
		Interval:  time.Hour,
		Policy:    syncloop.RetryPolicy{Initial: time.Second, Max: time.Minute, MaxAttempts: 10},
		Logger:    logger,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, loop.Start(ctx))
	t.Cleanup(loop.Stop)

	var localIDs []string
	for _, title := range []string{"pothole", "broken light", "graffiti"} {
		record, _ := json.Marshal(map[string]string{"title": title})
		result, err := loop.Submit(ctx, queue.Payload{Record: record})
		require.NoError(t, err)
		require.Equal(t, syncloop.StatusQueued, result.Status)
		localIDs = append(localIDs, result.LocalID)
	}
	n, err := fx.issues.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	monitor.Notify(connectivity.Online)

	require.Eventually(t, func() bool {
		return loop.LastPass().Delivered == 3
	}, 5*time.Second, 20*time.Millisecond)

	n, err = fx.issues.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)

	synced := true
	records, err := fx.staging.ListByOwner(ctx, "owner-1", staging.ListFilter{Synced: &synced})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Contains(t, localIDs, rec.LocalID)
		assert.Equal(t, 1, rec.SyncAttempts)
	}

	// 同一 localId 重放不会产生第二条问题。
	replay := queue.Submission{LocalID: localIDs[0], Payload: queue.Payload{Record: json.RawMessage(`{"title":"pothole"}`)}}
	require.NoError(t, client.Deliver(ctx, replay, 2))
	n, err = fx.issues.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// 服务端拒绝的提交会被暂停，并在暂存集合中留下失败记录。
func TestRejectedSubmissionIsParkedAndMirrored(t *testing.T) {
	fx := newAPIFixture(t)
	srv := httptest.NewServer(adaptor.FiberApp(fx.app))
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	client, err := delivery.New(delivery.Options{
		Endpoint:        srv.URL + "/api/issues",
		StagingEndpoint: srv.URL + "/api/offline-submissions",
		OwnerID:         "owner-2",
		Logger:          logger,
	})
	require.NoError(t, err)
	monitor := connectivity.NewMonitor(connectivity.Options{Initial: connectivity.Online, Logger: logger})
	loop, err := syncloop.New(syncloop.Options{Queue: q, Deliverer: client, Monitor: monitor, Logger: logger})
	require.NoError(t, err)

	ctx := context.Background()
	// JSON 数组不是合法的问题记录，服务端返回 422。
	id, err := q.Enqueue(ctx, queue.Payload{Record: json.RawMessage(`["not","an","object"]`)})
	require.NoError(t, err)

	report, err := loop.Trigger(ctx, syncloop.TriggerManual, syncloop.ModeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)

	sub, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sub.Parked())

	rec, err := fx.staging.Get(ctx, "owner-2", id)
	require.NoError(t, err)
	assert.False(t, rec.Synced)
	assert.Equal(t, 1, rec.SyncAttempts)
	assert.Contains(t, rec.Error, "parked")
}
