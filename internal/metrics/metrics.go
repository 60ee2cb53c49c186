// Package metrics exposes the admission plane's Prometheus gauges,
// counters, and histograms, grounded on the teacher's hand-rolled
// observability/metrics.go but backed by the real client_golang
// registry rather than an atomic-counter reimplementation of one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the admission plane emits.
type Registry struct {
	registry *prometheus.Registry

	ConcurrencyInUse *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec

	AcquireTotal *prometheus.CounterVec
	QueueOutcomeTotal *prometheus.CounterVec
	PolicyDenyTotal   *prometheus.CounterVec
	RateLimitDenyTotal *prometheus.CounterVec

	QueueWaitSeconds prometheus.Histogram
}

// New builds a Registry with every metric registered under the
// "sentinel" namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		ConcurrencyInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "concurrency",
			Name:      "slots_in_use",
			Help:      "Live concurrency slots held per API key.",
		}, []string{"key_id"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current overflow-queue length per API key.",
		}, []string{"key_id"}),
		AcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "concurrency",
			Name:      "acquire_total",
			Help:      "Concurrency acquire attempts by outcome.",
		}, []string{"outcome"}),
		QueueOutcomeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "queue",
			Name:      "outcome_total",
			Help:      "Queue wait outcomes.",
		}, []string{"outcome"}),
		PolicyDenyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "policy",
			Name:      "deny_total",
			Help:      "Policy Evaluator denials by reason.",
		}, []string{"reason"}),
		RateLimitDenyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "ratelimit",
			Name:      "deny_total",
			Help:      "Rate limiter denials by kind.",
		}, []string{"kind"}),
		QueueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Observed queue wait time of requests that acquired a slot through the queue.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
