// Package telemetry exposes prometheus instrumentation for the
// storage core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the core's collectors. It is instantiated once and
// passed explicitly; tests use their own registry.
type Metrics struct {
	registry *prometheus.Registry

	UnlockAttempts *prometheus.CounterVec
	RateLimited    prometheus.Counter
	CapturesSealed prometheus.Counter
	BytesSealed    prometheus.Counter
	QueueDepth     prometheus.Gauge
	QueueDropped   prometheus.Counter
	Purged         prometheus.Counter
}

// New creates and registers the core metric set on reg. A nil reg gets
// a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		UnlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldproxy_unlock_attempts_total",
			Help: "Unlock attempts by method and result.",
		}, []string{"method", "result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldproxy_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter.",
		}),
		CapturesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldproxy_captures_sealed_total",
			Help: "Interactions encrypted and persisted.",
		}),
		BytesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldproxy_bytes_sealed_total",
			Help: "Plaintext bytes sealed into cipher blobs.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coldproxy_capture_queue_depth",
			Help: "Jobs waiting in the capture queue.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldproxy_capture_queue_dropped_total",
			Help: "Capture jobs dropped due to a full queue.",
		}),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldproxy_interactions_purged_total",
			Help: "Interactions removed by the retention sweeper.",
		}),
	}
	reg.MustRegister(m.UnlockAttempts, m.RateLimited, m.CapturesSealed,
		m.BytesSealed, m.QueueDepth, m.QueueDropped, m.Purged)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
