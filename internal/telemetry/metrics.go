// Package telemetry provides observability primitives for the Palisade
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	UpstreamLatency *prometheus.HistogramVec
	CacheResults    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// Gauges fed by the stats publisher worker.
	TargetP50       *prometheus.GaugeVec
	TargetErrorRate *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	OpenStreams     prometheus.Gauge
	DroppedUsage    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palisade",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palisade",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palisade",
			Name:                            "upstream_latency_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		CacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palisade",
			Name:      "cache_results_total",
			Help:      "Response cache outcomes by status (hit, miss, bypass).",
		}, []string{"status"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palisade",
			Name:      "errors_total",
			Help:      "Total request errors by error code.",
		}, []string{"code"}),

		TargetP50: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "target_p50_latency_ms",
			Help:      "Rolling p50 latency per provider/model target.",
		}, []string{"target"}),

		TargetErrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "target_error_rate",
			Help:      "Rolling error rate per provider/model target.",
		}, []string{"target"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per target: 0 closed, 0.5 half-open, 1 open.",
		}, []string{"target"}),

		OpenStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "open_streams",
			Help:      "Number of currently open SSE streams.",
		}),

		DroppedUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palisade",
			Name:      "dropped_usage_records_total",
			Help:      "Usage records dropped because the queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamLatency,
		m.CacheResults,
		m.ErrorsTotal,
		m.TargetP50,
		m.TargetErrorRate,
		m.BreakerState,
		m.OpenStreams,
		m.DroppedUsage,
	)

	return m
}

// --- Stats publisher sink ---

// SetTargetStats records the rolling latency and error rate for a target.
func (m *Metrics) SetTargetStats(target string, p50Ms, errorRate float64) {
	m.TargetP50.WithLabelValues(target).Set(p50Ms)
	m.TargetErrorRate.WithLabelValues(target).Set(errorRate)
}

// SetBreakerState records a breaker state as a numeric gauge.
func (m *Metrics) SetBreakerState(target, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 0.5
	}
	m.BreakerState.WithLabelValues(target).Set(v)
}

// SetOpenStreams records the current open stream count.
func (m *Metrics) SetOpenStreams(n int) {
	m.OpenStreams.Set(float64(n))
}

// SetDroppedUsage records the cumulative dropped usage record count.
func (m *Metrics) SetDroppedUsage(n int64) {
	m.DroppedUsage.Set(float64(n))
}
