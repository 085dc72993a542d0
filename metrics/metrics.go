// Package metrics exposes Prometheus collectors for a peerlink node.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally and call it unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerlink"

// Metrics groups every collector of one node.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	dials           *prometheus.CounterVec
	inboundRejected prometheus.Counter
	eventsDropped   prometheus.Counter
	broadcastsDrop  prometheus.Counter
	messages        *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	routingEntries  prometheus.Gauge
	routingOnline   prometheus.Gauge
	staleRemoved    prometheus.Counter
	maintenanceRuns prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected sessions",
		}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind",
		}, []string{"event"}),
		dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outbound dial attempts by result",
		}, []string{"result"}),
		inboundRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_total",
			Help:      "Inbound connections refused at the peer limit",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_dropped_total",
			Help:      "Lifecycle events dropped because the event queue was full",
		}),
		broadcastsDrop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Inbound broadcasts dropped because the delivery queue was full",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Envelopes sent and received by type",
		}, []string{"direction", "type"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped as undecodable",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Correlated requests by type and result",
		}, []string{"type", "result"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of answered requests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"type"}),
		routingEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_entries",
			Help:      "Entries in the routing table",
		}),
		routingOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_entries_online",
			Help:      "Routing table entries marked online",
		}),
		staleRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_stale_removed_total",
			Help:      "Entries removed by stale cleanup",
		}),
		maintenanceRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Completed maintenance passes",
		}),
	}
}

// SessionOpened records a newly connected session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionEvents.WithLabelValues("connected").Inc()
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionEvents.WithLabelValues("closed").Inc()
}

// Dial records the outcome of an outbound dial.
func (m *Metrics) Dial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

// InboundRejected records a connection refused at the peer limit.
func (m *Metrics) InboundRejected() {
	if m == nil {
		return
	}
	m.inboundRejected.Inc()
}

// EventDropped records a lifecycle event lost to a full queue.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// BroadcastDropped records an inbound broadcast discarded at a full queue.
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastsDrop.Inc()
}

// MessageSent records an envelope written to a session.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("out", msgType).Inc()
}

// MessageReceived records an envelope read from a session.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("in", msgType).Inc()
}

// DecodeError records a dropped frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Request records a finished request. rtt is only observed on success.
func (m *Metrics) Request(msgType, result string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, result).Inc()
	if result == "ok" {
		m.requestDuration.WithLabelValues(msgType).Observe(rtt.Seconds())
	}
}

// RoutingTable records the current size of the routing table.
func (m *Metrics) RoutingTable(total, online int) {
	if m == nil {
		return
	}
	m.routingEntries.Set(float64(total))
	m.routingOnline.Set(float64(online))
}

// Maintenance records one maintenance pass.
func (m *Metrics) Maintenance(staleRemoved int) {
	if m == nil {
		return
	}
	m.maintenanceRuns.Inc()
	m.staleRemoved.Add(float64(staleRemoved))
}
