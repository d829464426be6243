package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors updated by the Registry and its
// connections. A nil *Metrics is valid and records nothing.
type Metrics struct {
	rooms       prometheus.Gauge
	members     prometheus.Gauge
	published   *prometheus.CounterVec
	dropped     prometheus.Counter
	connections prometheus.Gauge
}

// NewMetrics creates the chat collectors and registers them with reg.
// Passing a nil Registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_rooms_total",
			Help: "Number of rooms held by the registry.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_members",
			Help: "Number of members across all rooms.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_published_total",
			Help: "Envelopes fanned out by the registry, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_deliveries_dropped_total",
			Help: "Per-member deliveries dropped because the member was gone or its queue was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of websocket connections in the active state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rooms, m.members, m.published, m.dropped, m.connections)
	}
	return m
}

func (m *Metrics) roomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) memberAdded() {
	if m != nil {
		m.members.Inc()
	}
}

func (m *Metrics) memberRemoved() {
	if m != nil {
		m.members.Dec()
	}
}

func (m *Metrics) membersCleared() {
	if m != nil {
		m.members.Set(0)
	}
}

func (m *Metrics) fannedOut(kind Kind, dropped int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
