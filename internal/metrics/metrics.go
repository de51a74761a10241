package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	activeConnections  prometheus.Gauge
	presenceBroadcasts prometheus.Counter
	routedLive         prometheus.Counter
	queued             prometheus.Counter
	deliveriesAcked    prometheus.Counter
	deliveriesRequeued prometheus.Counter
	deliveriesDropped  prometheus.Counter
	activeCalls        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Currently authenticated device connections.",
		}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_presence_broadcasts_total",
			Help: "online-users snapshots broadcast to all connections.",
		}),
		routedLive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_routed_live_total",
			Help: "Messages pushed directly to a live device.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_queued_total",
			Help: "Messages handed off to the durable offline queue.",
		}),
		deliveriesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_deliveries_acked_total",
			Help: "Queued messages positively acknowledged by a client.",
		}),
		deliveriesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_deliveries_requeued_total",
			Help: "Queued messages negatively acknowledged and requeued.",
		}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_deliveries_dropped_total",
			Help: "Queued messages permanently dropped as unparseable.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_call_sessions",
			Help: "Call sessions currently bound to a device pair.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.presenceBroadcasts,
		m.routedLive,
		m.queued,
		m.deliveriesAcked,
		m.deliveriesRequeued,
		m.deliveriesDropped,
		m.activeCalls,
	)
	return m
}

// All mutators tolerate a nil receiver so wiring metrics stays optional in
// tests.

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) PresenceBroadcast() {
	if m != nil {
		m.presenceBroadcasts.Inc()
	}
}

func (m *Metrics) RoutedLive() {
	if m != nil {
		m.routedLive.Inc()
	}
}

func (m *Metrics) Queued() {
	if m != nil {
		m.queued.Inc()
	}
}

func (m *Metrics) DeliveryAcked() {
	if m != nil {
		m.deliveriesAcked.Inc()
	}
}

func (m *Metrics) DeliveryRequeued() {
	if m != nil {
		m.deliveriesRequeued.Inc()
	}
}

func (m *Metrics) DeliveryDropped() {
	if m != nil {
		m.deliveriesDropped.Inc()
	}
}

func (m *Metrics) CallBound() {
	if m != nil {
		m.activeCalls.Inc()
	}
}

func (m *Metrics) CallReleased() {
	if m != nil {
		m.activeCalls.Dec()
	}
}
