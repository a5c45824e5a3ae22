// Package metrics exposes the sync engine's prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Drop reasons reported with EventDropped.
const (
	ReasonUnknown   = "unknown"
	ReasonMalformed = "malformed"
	ReasonPanic     = "panic"
	ReasonOverflow  = "overflow"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	dispatched *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	stale      prometheus.Counter
	reconnects prometheus.Counter
	state      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Inbound events handed to a handler, by event name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events or outbound frames dropped, by reason.",
		}, []string{"reason"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Frames discarded because their connection was superseded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 authenticating, 3 authenticated, 4 reconnecting).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.dropped, m.stale, m.reconnects, m.state)
	}
	return m
}

// EventDispatched counts an event that reached its handler.
func (m *Metrics) EventDispatched(event string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(event).Inc()
}

// EventDropped counts a dropped event or frame.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// StaleEvent counts a frame from a superseded connection.
func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

// ReconnectAttempt counts a scheduled reconnection.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionState records the numeric connection state.
func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
