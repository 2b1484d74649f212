package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered on the registerer given to NewMetrics, if any.
type Metrics struct {
	Sessions   prometheus.Gauge
	Events     *prometheus.CounterVec // by type and outcome
	Deliveries *prometheus.CounterVec // by result
	Rejections *prometheus.CounterVec // by reason
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "sessions",
			Help:      "Live websocket sessions.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_total",
			Help:      "Inbound events by type and outcome.",
		}, []string{"type", "outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "fanout_deliveries_total",
			Help:      "Fanout deliveries by result.",
		}, []string{"result"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "handshake_rejections_total",
			Help:      "Connections refused during the handshake.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Events, m.Deliveries, m.Rejections)
	}
	return m
}
