// Package metrics holds the receiver's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricPrefix = "iot_receiver_"

// Drop reasons for MessagesDropped
const (
	ReasonTopic   = "topic"
	ReasonPayload = "payload"
	ReasonEntity  = "entity"
)

// Metrics groups the receiver collectors
type Metrics struct {
	Registry *prometheus.Registry

	messagesReceived prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	readingsWritten  prometheus.Counter
	readingsFailed   prometheus.Counter
	entitiesCreated  *prometheus.CounterVec
	geocodeLookups   *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "messages_received_total",
			Help: "Inbound broker messages",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_dropped_total",
			Help: "Messages dropped before any reading was written",
		}, []string{"reason"}),
		readingsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "readings_written_total",
			Help: "Readings persisted",
		}),
		readingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "readings_failed_total",
			Help: "Payload fields that could not be resolved or written",
		}),
		entitiesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "entities_created_total",
			Help: "Reference entities created by kind",
		}, []string{"kind"}),
		geocodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "geocode_lookups_total",
			Help: "Geocoding lookups by outcome",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "broker_reconnects_total",
			Help: "Reconnect attempts after connection loss",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "broker_connection_state",
			Help: "Broker session state (0 disconnected, 1 connecting, 2 connected, 3 reconnect pending)",
		}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.readingsWritten,
		m.readingsFailed,
		m.entitiesCreated,
		m.geocodeLookups,
		m.reconnects,
		m.connectionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReadingWritten() {
	if m == nil {
		return
	}
	m.readingsWritten.Inc()
}

func (m *Metrics) ReadingFailed() {
	if m == nil {
		return
	}
	m.readingsFailed.Inc()
}

func (m *Metrics) EntityCreated(kind string) {
	if m == nil {
		return
	}
	m.entitiesCreated.WithLabelValues(kind).Inc()
}

// GeocodeLookup records "ok", "throttled" or "error"
func (m *Metrics) GeocodeLookup(outcome string) {
	if m == nil {
		return
	}
	m.geocodeLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}
