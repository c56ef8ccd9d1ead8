// ABOUTME: Prometheus instruments for the gateway, registered on an injected registry
// ABOUTME: All methods are nil-safe so components can run without metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States lists every connection state label, so the state gauge can be reset.
var States = []string{"uninitialized", "awaiting-pairing", "authenticated", "ready", "disconnected"}

// Metrics holds the gateway's instruments.
type Metrics struct {
	registry *prometheus.Registry

	State            *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	Subscribers      prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
	SubscribersEvict prometheus.Counter
	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	RelayErrors      *prometheus.CounterVec
}

// New creates the instruments on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:         reg,
		State:            prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "concierge_gateway_state", Help: "1 for the current connection state"}, []string{"state"}),
		Transitions:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "concierge_gateway_transitions_total", Help: "Connection state transitions"}, []string{"from", "to"}),
		Subscribers:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "concierge_gateway_subscribers", Help: "Connected event subscribers"}),
		EventsPublished:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "concierge_gateway_events_published_total", Help: "Events broadcast by type"}, []string{"type"}),
		SubscribersEvict: prometheus.NewCounter(prometheus.CounterOpts{Name: "concierge_gateway_subscribers_evicted_total", Help: "Subscribers dropped for falling too far behind"}),
		Commands:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "concierge_gateway_commands_total", Help: "Commands by operation and outcome"}, []string{"op", "outcome"}),
		CommandDuration:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "concierge_gateway_command_duration_seconds", Help: "Command latency", Buckets: prometheus.ExponentialBuckets(0.001, 2, 15)}, []string{"op"}),
		MessagesSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "concierge_gateway_messages_sent_total", Help: "Messages accepted by the network"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "concierge_gateway_messages_received_total", Help: "Inbound messages broadcast"}),
		RelayErrors:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "concierge_gateway_relay_errors_total", Help: "Relay delivery failures"}, []string{"relay"}),
	}
	reg.MustRegister(m.State, m.Transitions, m.Subscribers, m.EventsPublished, m.SubscribersEvict,
		m.Commands, m.CommandDuration, m.MessagesSent, m.MessagesReceived, m.RelayErrors)
	m.SetState("uninitialized")
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetState marks state as the only active state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// Transition records a state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	m.SetState(to)
}

// SubscriberAdded increments the subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// SubscriberRemoved decrements the subscriber gauge.
func (m *Metrics) SubscriberRemoved(evicted bool) {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
	if evicted {
		m.SubscribersEvict.Inc()
	}
}

// EventPublished counts a broadcast event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// Command records a finished command. outcome is "ok" or an error kind.
func (m *Metrics) Command(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(op, outcome).Inc()
	m.CommandDuration.WithLabelValues(op).Observe(d.Seconds())
}

// MessageSent counts an accepted outbound message.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// MessageReceived counts a broadcast inbound message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RelayError counts a failed relay delivery.
func (m *Metrics) RelayError(relay string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(relay).Inc()
}
