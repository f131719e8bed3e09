// Package observability exposes Prometheus metrics shared across the proxy
// and the harvesting engine.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of origin service calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"operation"},
	)

	postFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "origin_post_fallback_total",
			Help: "POST encoding fallbacks attempted against origin servers.",
		},
		[]string{"status"},
	)

	accessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access control evaluation outcomes.",
		},
		[]string{"operation", "outcome"},
	)

	maskCacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_cache_ops_total",
			Help: "Mask raster cache lookups by result tier.",
		},
		[]string{"result"},
	)

	harvestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Harvested catalogue records by action.",
		},
		[]string{"action"}, // created|updated|skipped|deleted|failed
	)

	harvestPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_pages_total",
			Help: "Harvest result pages processed.",
		},
	)

	registryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_events_total",
			Help: "Registry change events consumed by outcome.",
		},
		[]string{"op", "outcome"}, // outcome: applied|skipped|error
	)
)

func ObserveHTTP(method, route string, status int, seconds float64) {
	s := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, s).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, s).Observe(seconds)
}

func ObserveUpstream(operation string, seconds float64) {
	upstreamLatencySeconds.WithLabelValues(operation).Observe(seconds)
}

func ObservePOSTFallback(status int) {
	postFallbackTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func ObserveAccessDecision(operation, outcome string) {
	accessDecisionsTotal.WithLabelValues(operation, outcome).Inc()
}

func ObserveMaskCache(result string) {
	maskCacheOpsTotal.WithLabelValues(result).Inc()
}

func ObserveHarvestRecord(action string) {
	harvestRecordsTotal.WithLabelValues(action).Inc()
}

func ObserveRegistryEvent(op, outcome string) {
	if op == "" {
		op = "unknown"
	}
	registryEventsTotal.WithLabelValues(op, outcome).Inc()
}

func ObserveHarvestPage() {
	harvestPagesTotal.Inc()
}

// Handler serves the default registry, which already carries the go and
// process collectors alongside the metrics above.
func Handler() http.Handler {
	return promhttp.Handler()
}
