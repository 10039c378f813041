// Package metrics provides Prometheus metrics for the vocabdash server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector. A nil *Manager is valid and records nothing.
type Manager struct {
	registry *prometheus.Registry

	forwarded       *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	tokenRefreshes  *prometheus.CounterVec
	socketConnected prometheus.Gauge
	socketErrors    *prometheus.CounterVec
	socketEvents    *prometheus.CounterVec
	jobOutcomes     *prometheus.CounterVec
	stagingCorrupt  *prometheus.CounterVec
}

// Option applies a configuration option to the Manager.
type Option func(*options)

type options struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		if namespace != "" {
			o.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom histogram buckets for latency metrics.
func WithHistogramBuckets(buckets []float64) Option {
	return func(o *options) {
		if len(buckets) > 0 {
			o.buckets = buckets
		}
	}
}

// New registers all collectors on a fresh registry.
func New(opts ...Option) *Manager {
	o := options{namespace: "vocabdash", buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	return &Manager{
		registry: reg,
		forwarded: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "api",
			Name:      "forwarded_requests_total",
			Help:      "Requests forwarded to the backend by route and response status",
		}, []string{"route", "status"}),
		backendLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of backend calls",
			Buckets:   o.buckets,
		}, []string{"method"}),
		tokenRefreshes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "backend",
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts after a 401, by outcome",
		}, []string{"outcome"}),
		socketConnected: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "socket",
			Name:      "connected",
			Help:      "Notification connections currently established",
		}),
		socketErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "socket",
			Name:      "errors_total",
			Help:      "Notification connection errors by kind",
		}, []string{"kind"}),
		socketEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "socket",
			Name:      "events_total",
			Help:      "Events received on the notification namespace",
		}, []string{"event"}),
		jobOutcomes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "jobs",
			Name:      "outcomes_total",
			Help:      "Evaluation jobs observed reaching an outcome",
		}, []string{"channel", "outcome"}),
		stagingCorrupt: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "staging",
			Name:      "corrupt_total",
			Help:      "Staged records dropped because they did not decode",
		}, []string{"prefix"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordForward counts one forwarded API request.
func (m *Manager) RecordForward(route string, status int) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveBackend records the latency of one backend call.
func (m *Manager) ObserveBackend(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordTokenRefresh counts a refresh attempt; outcome is "ok" or "failed".
func (m *Manager) RecordTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// SocketConnected adjusts the connected gauge by +1 or -1.
func (m *Manager) SocketConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.socketConnected.Inc()
		return
	}
	m.socketConnected.Dec()
}

// SocketError counts a connection error of the given kind.
func (m *Manager) SocketError(kind string) {
	if m == nil {
		return
	}
	m.socketErrors.WithLabelValues(kind).Inc()
}

// SocketEvent counts one received event.
func (m *Manager) SocketEvent(event string) {
	if m == nil {
		return
	}
	m.socketEvents.WithLabelValues(event).Inc()
}

// JobOutcome counts a job reaching completed, failed or timed_out.
func (m *Manager) JobOutcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.jobOutcomes.WithLabelValues(channel, outcome).Inc()
}

// StagingCorrupt counts a dropped staged record; the label is the key
// prefix so trainer ids do not explode cardinality.
func (m *Manager) StagingCorrupt(key string) {
	if m == nil {
		return
	}
	m.stagingCorrupt.WithLabelValues(keyPrefix(key)).Inc()
}

func keyPrefix(key string) string {
	for _, p := range []string{"exam_data_", "fill_in_blank_result_", "translation_audio_result_", "flip_card_result_"} {
		if len(key) >= len(p) && key[:len(p)] == p {
			return p[:len(p)-1]
		}
	}
	return "other"
}
