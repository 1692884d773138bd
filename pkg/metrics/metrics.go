package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbridge"

// Unit names used as the "unit" label of UnitsRunning.
const (
	UnitReceiver = "receiver"
	UnitSender   = "sender"
)

// Metrics holds the bridge counters on a private registry.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceivedTotal *prometheus.CounterVec
	MessagesDroppedTotal  *prometheus.CounterVec
	RepliesSentTotal      *prometheus.CounterVec
	RepliesFailedTotal    *prometheus.CounterVec
	PrivateIgnoredTotal   *prometheus.CounterVec
	UnitsRunning          *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Inbound messages published on the bus",
			},
			[]string{"adapter"},
		),
		MessagesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Inbound messages dropped before reaching the bus",
			},
			[]string{"adapter", "reason"},
		),
		RepliesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_sent_total",
				Help:      "Replies delivered to the chat service",
			},
			[]string{"adapter"},
		),
		RepliesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_failed_total",
				Help:      "Outbound calls that failed, counted per attempt",
			},
			[]string{"adapter"},
		),
		PrivateIgnoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "private_ignored_total",
				Help:      "Private messages accepted but not delivered",
			},
			[]string{"adapter"},
		),
		UnitsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units_running",
				Help:      "Whether an adapter's receiver or sender is running",
			},
			[]string{"adapter", "unit"},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceivedTotal,
		m.MessagesDroppedTotal,
		m.RepliesSentTotal,
		m.RepliesFailedTotal,
		m.PrivateIgnoredTotal,
		m.UnitsRunning,
	)

	return m
}

func (m *Metrics) MessageReceived(adapter string) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(adapter).Inc()
}

func (m *Metrics) MessageDropped(adapter, reason string) {
	if m == nil {
		return
	}
	m.MessagesDroppedTotal.WithLabelValues(adapter, reason).Inc()
}

func (m *Metrics) ReplySent(adapter string) {
	if m == nil {
		return
	}
	m.RepliesSentTotal.WithLabelValues(adapter).Inc()
}

func (m *Metrics) ReplyFailed(adapter string) {
	if m == nil {
		return
	}
	m.RepliesFailedTotal.WithLabelValues(adapter).Inc()
}

func (m *Metrics) PrivateIgnored(adapter string) {
	if m == nil {
		return
	}
	m.PrivateIgnoredTotal.WithLabelValues(adapter).Inc()
}

// SetRunning flips the running gauge of one adapter unit.
func (m *Metrics) SetRunning(adapter, unit string, running bool) {
	if m == nil {
		return
	}
	value := 0.0
	if running {
		value = 1
	}
	m.UnitsRunning.WithLabelValues(adapter, unit).Set(value)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
