package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections  prometheus.Gauge
	Events       *prometheus.CounterVec
	AuthFailures prometheus.Counter
	Timeouts     prometheus.Counter
	Dropped      prometheus.Counter
}

// NewMetrics registers the hub collectors on reg. A nil reg yields
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "finnigram",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open websocket connections on this instance.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finnigram",
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Socket events by direction and type.",
		}, []string{"direction", "type"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "finnigram",
			Subsystem: "hub",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected by the session guard.",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "finnigram",
			Subsystem: "hub",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed for missing heartbeats.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "finnigram",
			Subsystem: "hub",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a connection's buffer was full.",
		}),
	}
}
