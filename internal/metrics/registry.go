// Package metrics holds the Prometheus registry exposing pipeline health:
// rate-limit pressure, circuit breaker state, store write latency, CVD
// worker progress, alert dispatch outcomes and push connection state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus collectors for the pipeline.
type Registry struct {
	RateLimitQueueDepth *prometheus.GaugeVec
	RateLimitWait       *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec // 0=closed,1=half-open,2=open

	StoreWriteLatency *prometheus.HistogramVec

	CvdBatchesProcessed *prometheus.CounterVec
	CvdIdleCycles       *prometheus.CounterVec

	AlertsSent   *prometheus.CounterVec
	AlertsFailed *prometheus.CounterVec

	PushConnectionState *prometheus.GaugeVec // 0=disconnected,1=connecting,2=ready
}

// NewRegistry builds and registers a Registry against reg (pass
// prometheus.NewRegistry() for test isolation or prometheus.DefaultRegisterer
// in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RateLimitQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "binancepipe_rate_limit_queue_depth",
				Help: "Number of requests currently queued per rate-limit bucket",
			},
			[]string{"venue", "endpoint"},
		),
		RateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "binancepipe_rate_limit_wait_seconds",
				Help:    "Time spent waiting for rate-limit capacity",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"venue", "endpoint"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "binancepipe_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=half-open,2=open)",
			},
			[]string{"venue"},
		),
		StoreWriteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "binancepipe_store_write_latency_seconds",
				Help:    "Latency of Store write transactions",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
		CvdBatchesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binancepipe_cvd_batches_processed_total",
				Help: "Total number of non-empty trade batches processed by the CVD worker",
			},
			[]string{"aggregator"},
		),
		CvdIdleCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binancepipe_cvd_idle_cycles_total",
				Help: "Total number of CVD worker cycles that found no new trades",
			},
			[]string{"aggregator"},
		),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binancepipe_alerts_sent_total",
				Help: "Total number of alerts successfully delivered",
			},
			[]string{"alert_type"},
		),
		AlertsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binancepipe_alerts_failed_total",
				Help: "Total number of alert delivery failures",
			},
			[]string{"alert_type"},
		),
		PushConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "binancepipe_push_connection_state",
				Help: "Push connection state (0=disconnected,1=connecting,2=ready)",
			},
			[]string{"venue"},
		),
	}

	reg.MustRegister(
		r.RateLimitQueueDepth,
		r.RateLimitWait,
		r.CircuitBreakerState,
		r.StoreWriteLatency,
		r.CvdBatchesProcessed,
		r.CvdIdleCycles,
		r.AlertsSent,
		r.AlertsFailed,
		r.PushConnectionState,
	)
	return r
}

// Handler returns an http.Handler serving metrics in Prometheus text
// exposition format. reg must be the same Registerer passed to NewRegistry
// when it also implements prometheus.Gatherer (as prometheus.NewRegistry
// and prometheus.DefaultRegisterer both do).
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveStoreWrite records the duration of a single Store write
// transaction under the given operation label.
func (r *Registry) ObserveStoreWrite(operation string, d time.Duration) {
	r.StoreWriteLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// ConnStateValue maps a push connection state name to the gauge value
// convention documented on PushConnectionState.
func ConnStateValue(state string) float64 {
	switch state {
	case "ready":
		return 2
	case "connecting":
		return 1
	default:
		return 0
	}
}
