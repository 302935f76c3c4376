package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_relay"

// Metrics holds the relay's Prometheus collectors. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	brokerConnected   *prometheus.GaugeVec
	reconnects        *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	messagesPublished *prometheus.CounterVec
	messagesIngested  *prometheus.CounterVec
	routeMatches      *prometheus.CounterVec
	eventsConflated   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "Whether the broker channel is connected (1) or not (0)",
		}, []string{"broker"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection-lost events that triggered a reconnect",
		}, []string{"broker"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from brokers",
		}, []string{"broker", "type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a subscriber buffer was full",
		}, []string{"broker"}),
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published to brokers",
		}, []string{"broker", "status"}),
		messagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Inbound messages accepted or rejected by the inject filter",
		}, []string{"broker", "result"}),
		routeMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_matches_total",
			Help:      "Routing rule matches per destination",
		}, []string{"destination"}),
		eventsConflated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_conflated_total",
			Help:      "Hub events replaced or abandoned before being handled",
		}, []string{"kind"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.brokerConnected,
		m.reconnects,
		m.messagesReceived,
		m.messagesDropped,
		m.messagesPublished,
		m.messagesIngested,
		m.routeMatches,
		m.eventsConflated,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) SetBrokerConnected(broker string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.brokerConnected.WithLabelValues(broker).Set(v)
}

func (m *Metrics) IncReconnects(broker string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(broker).Inc()
}

func (m *Metrics) IncMessagesReceived(broker, msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(broker, msgType).Inc()
}

func (m *Metrics) IncMessagesDropped(broker string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(broker).Inc()
}

// IncMessagesPublished records a publish with status "success" or "error".
func (m *Metrics) IncMessagesPublished(broker, status string) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(broker, status).Inc()
}

// IncMessagesIngested records an inject filter decision, "accepted" or "rejected".
func (m *Metrics) IncMessagesIngested(broker, result string) {
	if m == nil {
		return
	}
	m.messagesIngested.WithLabelValues(broker, result).Inc()
}

func (m *Metrics) IncRouteMatches(destination string) {
	if m == nil {
		return
	}
	m.routeMatches.WithLabelValues(destination).Inc()
}

func (m *Metrics) IncEventsConflated(kind string) {
	if m == nil {
		return
	}
	m.eventsConflated.WithLabelValues(kind).Inc()
}
