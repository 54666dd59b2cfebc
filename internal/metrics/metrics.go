// Package metrics exposes delivery counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeCompleted         = "completed"
	OutcomeFallbackCompleted = "fallback_completed"
	OutcomeFailed            = "failed"
	OutcomeCancelled         = "cancelled"
	OutcomeRejected          = "rejected"
)

// Metrics groups every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	inProgress      *prometheus.GaugeVec
	durationSeconds *prometheus.HistogramVec
	deliveredBytes  *prometheus.HistogramVec
}

// New registers the collectors, prefixed with namespace, on a fresh registry
// that also carries the Go and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Media requests that passed validation, by kind and cache mode.",
		}, []string{"kind", "mode"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal states reached by media requests.",
		}, []string{"kind", "outcome"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests handed to the yt-dlp fallback.",
		}, []string{"kind"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_progress",
			Help:      "Media requests currently being served.",
		}, []string{"kind"}),
		durationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from request entry to terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind", "mode"}),
		deliveredBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivered_bytes",
			Help:      "Response body sizes.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MB .. 16GB
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.requestsTotal,
		m.outcomesTotal,
		m.fallbacksTotal,
		m.inProgress,
		m.durationSeconds,
		m.deliveredBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start records a request entering the state machine and returns the
// function that records its end.
func (m *Metrics) Start(kind, mode string) func(outcome string, bytes int64) {
	if m == nil {
		return func(string, int64) {}
	}
	start := time.Now()
	m.requestsTotal.WithLabelValues(kind, mode).Inc()
	m.inProgress.WithLabelValues(kind).Inc()
	return func(outcome string, bytes int64) {
		m.inProgress.WithLabelValues(kind).Dec()
		m.outcomesTotal.WithLabelValues(kind, outcome).Inc()
		m.durationSeconds.WithLabelValues(kind, mode).Observe(time.Since(start).Seconds())
		if bytes > 0 {
			m.deliveredBytes.WithLabelValues(kind).Observe(float64(bytes))
		}
	}
}

// Fallback counts a hand-off to the fallback downloader.
func (m *Metrics) Fallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(kind).Inc()
}
