package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaysprint/rpc-relay/internal/registry"
)

var (
	// TotalCalls counts every Dispatch call, labeled by endpoint, method,
	// and outcome (cache_hit, single_flight_join, single_flight_error, miss,
	// uncached, upstream_rpc_error, transport_error, malformed). A call that
	// found no endpoint is counted as upstream_rpc_error with an empty
	// endpoint label.
	TotalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_calls_total",
			Help: "Total dispatched JSON-RPC calls",
		},
		[]string{"endpoint", "method", "outcome"},
	)

	// CallDuration tracks end-to-end Dispatch latency.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_call_duration_seconds",
			Help:    "Dispatch call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "outcome"},
	)

	// CacheHitRate tracks the fraction of all dispatched calls served from
	// cache.
	CacheHitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_cache_hit_rate",
			Help: "Fraction of all dispatched calls served from cache",
		},
	)

	// EndpointEWMALatencyMS tracks each endpoint's exponentially weighted
	// average round-trip latency, set by PublishEndpointStats.
	EndpointEWMALatencyMS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_endpoint_ewma_latency_ms",
			Help: "Endpoint EWMA latency in milliseconds",
		},
		[]string{"endpoint"},
	)

	// EndpointStatus tracks each endpoint's health classification as a gauge
	// of 0 (healthy), 1 (throttled), 2 (unhealthy).
	EndpointStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_endpoint_status",
			Help: "Endpoint health status: 0=healthy 1=throttled 2=unhealthy",
		},
		[]string{"endpoint"},
	)

	// EndpointConsecutiveErrors tracks each endpoint's current failure
	// streak.
	EndpointConsecutiveErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_endpoint_consecutive_errors",
			Help: "Endpoint consecutive probe/call error count",
		},
		[]string{"endpoint"},
	)
)

var (
	totalDispatches atomic.Int64
	cacheHits       atomic.Int64
)

// RecordCall folds one Dispatch outcome into the counters and histogram.
// endpoint may be empty for cache hits and calls that never reached
// selection. It also feeds the global hit-rate gauge spec.md §6 names:
// hit_rate = cache_hits / total_calls across every outcome, cacheable or
// not.
func RecordCall(endpoint, method, outcome string, elapsed time.Duration) {
	TotalCalls.WithLabelValues(endpoint, method, outcome).Inc()
	CallDuration.WithLabelValues(endpoint, method, outcome).Observe(elapsed.Seconds())

	total := totalDispatches.Add(1)
	hits := cacheHits.Load()
	if outcome == "cache_hit" {
		hits = cacheHits.Add(1)
	}
	CacheHitRate.Set(float64(hits) / float64(total))
}

// PublishEndpointStats overwrites the per-endpoint gauges from the
// registry's current view, called periodically (see cmd/relay) so the
// dashboard's scrape always reflects live health state rather than only the
// instant of the last probe.
func PublishEndpointStats(endpoints []*registry.Endpoint) {
	for _, ep := range endpoints {
		EndpointEWMALatencyMS.WithLabelValues(ep.URL).Set(ep.EWMALatencyMS())
		EndpointStatus.WithLabelValues(ep.URL).Set(float64(ep.Status()))
		EndpointConsecutiveErrors.WithLabelValues(ep.URL).Set(float64(ep.ConsecutiveErrors()))
	}
}
