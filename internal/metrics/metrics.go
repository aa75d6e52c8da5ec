// Package metrics holds the Prometheus collectors for the auction server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auctiond"

// Message outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics records hub and router activity.
type Metrics struct {
	connections *prometheus.GaugeVec
	rooms       prometheus.Gauge
	broadcasts  prometheus.Counter
	dropped     *prometheus.CounterVec
	messages    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		connections: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Live websocket connections by role.",
		}, []string{"role"}),
		rooms: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "rooms",
			Help:      "Auctions with at least one live connection.",
		}),
		broadcasts: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to an auction's connections.",
		}),
		dropped: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_connections_total",
			Help:      "Connections removed by the hub rather than by the client.",
		}, []string{"reason"}),
		messages: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "message_duration_seconds",
			Help:      "Time to handle an inbound message, including fan-out.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		events: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Domain events handed to the event queue, by outcome.",
		}, []string{"outcome"}),
	}
}

// ConnectionOpened counts a registered connection.
func (m *Metrics) ConnectionOpened(role string) { m.connections.WithLabelValues(role).Inc() }

// ConnectionClosed counts a removed connection.
func (m *Metrics) ConnectionClosed(role string) { m.connections.WithLabelValues(role).Dec() }

// SetRooms records the number of active rooms.
func (m *Metrics) SetRooms(n int) { m.rooms.Set(float64(n)) }

// Broadcast counts one fan-out.
func (m *Metrics) Broadcast() { m.broadcasts.Inc() }

// Dropped counts a connection removed for reason.
func (m *Metrics) Dropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }

// Message records one handled inbound message.
func (m *Metrics) Message(typ, outcome string, took time.Duration) {
	m.messages.WithLabelValues(typ, outcome).Inc()
	m.duration.WithLabelValues(typ).Observe(took.Seconds())
}

// Event counts one queued domain event by outcome.
func (m *Metrics) Event(outcome string) { m.events.WithLabelValues(outcome).Inc() }
