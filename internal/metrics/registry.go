package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRegistry wraps a Prometheus registry so callers don't reach
// directly into the global default registry.
type PrometheusRegistry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{registry: prometheus.NewRegistry()}
}

// Register registers a collector with the registry.
func (r *PrometheusRegistry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers a collector with the registry and panics on error.
func (r *PrometheusRegistry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister unregisters a collector from the registry.
func (r *PrometheusRegistry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// GetRegistry returns the underlying Prometheus registry.
func (r *PrometheusRegistry) GetRegistry() *prometheus.Registry {
	return r.registry
}

// NewDefault builds a PrometheusRegistry pre-populated with the relay's own
// collectors (TotalCalls, CallDuration, CacheHitRate, and the per-endpoint
// gauges) plus the standard Go runtime/process collectors, for use behind
// the /metrics route instead of reaching into prometheus's global default
// registry.
func NewDefault() *PrometheusRegistry {
	r := NewRegistry()
	r.MustRegister(
		TotalCalls,
		CallDuration,
		CacheHitRate,
		EndpointEWMALatencyMS,
		EndpointStatus,
		EndpointConsecutiveErrors,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}
