package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the issue-hub Prometheus collectors.
	Registry = prometheus.NewRegistry()

	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issue_hub",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Intercepted requests by origin and cache result (hit, miss, bypass, error).",
		},
		[]string{"origin", "result"},
	)

	cacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issue_hub",
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Background refreshes by origin and outcome (stored, failed, throttled).",
		},
		[]string{"origin", "outcome"},
	)

	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issue_hub",
			Subsystem: "cache",
			Name:      "evicted_namespaces_total",
			Help:      "Cache namespaces evicted on activation.",
		},
		[]string{"origin"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issue_hub",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Drain passes by trigger (online, periodic, manual).",
		},
		[]string{"trigger"},
	)

	syncDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issue_hub",
			Subsystem: "sync",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome (delivered, failed, parked).",
		},
		[]string{"outcome"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "issue_hub",
			Subsystem: "sync",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of delivery attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "issue_hub",
			Subsystem: "queue",
			Name:      "submissions",
			Help:      "Unsynced submissions in the local queue by state (pending, parked).",
		},
		[]string{"state"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "issue_hub",
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the connectivity monitor reports online.",
		},
	)
)

func init() {
	Registry.MustRegister(
		cacheRequests,
		cacheRefreshes,
		cacheEvictions,
		syncPasses,
		syncDeliveries,
		syncDuration,
		queueDepth,
		online,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCacheResult counts one intercepted request.
func RecordCacheResult(origin, result string) {
	cacheRequests.WithLabelValues(origin, result).Inc()
}

// RecordRefresh counts one background refresh outcome.
func RecordRefresh(origin, outcome string) {
	cacheRefreshes.WithLabelValues(origin, outcome).Inc()
}

// RecordEvictions counts namespaces dropped during activation.
func RecordEvictions(origin string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(origin).Add(float64(n))
}

// RecordSyncPass counts one drain pass.
func RecordSyncPass(trigger string) {
	syncPasses.WithLabelValues(trigger).Inc()
}

// RecordDelivery records the outcome and duration of one delivery attempt.
func RecordDelivery(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	syncDeliveries.WithLabelValues(outcome).Inc()
	syncDuration.Observe(duration.Seconds())
}

// SetQueueDepth publishes the current queue counts.
func SetQueueDepth(pending, parked int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("parked").Set(float64(parked))
}

// SetOnline publishes the connectivity state.
func SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
		return
	}
	online.Set(0)
}
