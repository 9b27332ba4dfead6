package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCacheResult(t *testing.T) {
	before := testutil.ToFloat64(cacheRequests.WithLabelValues("metrics-test", "hit"))
	RecordCacheResult("metrics-test", "hit")
	RecordCacheResult("metrics-test", "hit")
	after := testutil.ToFloat64(cacheRequests.WithLabelValues("metrics-test", "hit"))
	assert.Equal(t, before+2, after)
}

func TestRecordEvictionsIgnoresZero(t *testing.T) {
	RecordEvictions("metrics-zero", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(cacheEvictions.WithLabelValues("metrics-zero")))
	RecordEvictions("metrics-zero", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(cacheEvictions.WithLabelValues("metrics-zero")))
}

func TestQueueDepthAndOnline(t *testing.T) {
	SetQueueDepth(4, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueDepth.WithLabelValues("parked")))

	SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(online))
	SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(online))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordDelivery("delivered", 25*time.Millisecond)
	RecordSyncPass("manual")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "issue_hub_sync_deliveries_total"))
	assert.True(t, strings.Contains(body, "issue_hub_sync_passes_total"))
}
