package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections prometheus.Counter
	registered  prometheus.Gauge
	broadcasts  prometheus.Counter
	deliveries  prometheus.Counter
	evictions   prometheus.Counter
	rejected    *prometheus.CounterVec
	tokenBytes  prometheus.Histogram
}

// NewMetrics registers the relay instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_total",
			Help:      "Transport connections accepted.",
		}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_registered",
			Help:      "Sessions currently in the registry.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "broadcasts_total",
			Help:      "Chat messages accepted and fanned out.",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Envelopes enqueued to recipients by the router.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "recipients_evicted_total",
			Help:      "Recipients removed after a failed send.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rejected_total",
			Help:      "Inbound envelopes rejected, by error code.",
		}, []string{"code"}),
		tokenBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "token_bytes",
			Help:      "Size of broadcast chat tokens.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) sessionRegistered() {
	if m != nil {
		m.registered.Inc()
	}
}

func (m *Metrics) sessionLeft() {
	if m != nil {
		m.registered.Dec()
	}
}

func (m *Metrics) broadcast(tokenLen, delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.tokenBytes.Observe(float64(tokenLen))
	m.deliveries.Add(float64(delivered))
}

func (m *Metrics) delivered(n int) {
	if m != nil {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) reject(code string) {
	if m != nil {
		m.rejected.WithLabelValues(code).Inc()
	}
}
