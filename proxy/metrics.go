package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coder/gallatin/session"
)

type Metrics struct {
	Sessions         prometheus.Counter
	ActiveSessions   prometheus.Gauge
	RejectedClients  prometheus.Counter
	IdleReaped       prometheus.Counter
	Bytes            *prometheus.CounterVec
	UpstreamConnects *prometheus.CounterVec
	FilterVerdicts   *prometheus.CounterVec
}

// NewMetrics registers the proxy collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "sessions_total",
			Help:      "Client connections accepted.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "active_sessions",
			Help:      "Client connections currently being served.",
		}),
		RejectedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "rejected_clients_total",
			Help:      "Client connections closed because the proxy was at capacity.",
		}),
		IdleReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "idle_reaped_total",
			Help:      "Sessions ended for inactivity.",
		}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
		UpstreamConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "upstream_connects_total",
			Help:      "Upstream connection attempts, by result.",
		}, []string{"result"}),
		FilterVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallatin",
			Subsystem: "proxy",
			Name:      "filter_verdicts_total",
			Help:      "Filter outcomes, by stage and verdict.",
		}, []string{"stage", "verdict"}),
	}
}

func (m *Metrics) session() session.Metrics {
	if m == nil {
		return session.Metrics{}
	}
	return session.Metrics{
		Bytes:          m.Bytes,
		ConnectResults: m.UpstreamConnects,
	}
}
