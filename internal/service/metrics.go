package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics - счетчики labd для /metrics
type Metrics struct {
	DocumentWrites   *prometheus.CounterVec
	LiveQueries      prometheus.Gauge
	SnapshotsSent    prometheus.Counter
	RealtimeSessions prometheus.Gauge
	RealtimeWrites   *prometheus.CounterVec
	SlowConsumers    *prometheus.CounterVec
	Uploads          *prometheus.CounterVec
	AuditDropped     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "document_writes_total",
			Help:      "Committed document writes by collection and operation.",
		}, []string{"collection", "op"}),
		LiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labd",
			Name:      "live_queries",
			Help:      "Registered live queries.",
		}),
		SnapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "snapshots_sent_total",
			Help:      "Snapshots delivered to live queries.",
		}),
		RealtimeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labd",
			Name:      "realtime_sessions",
			Help:      "Open realtime connections.",
		}),
		RealtimeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "realtime_writes_total",
			Help:      "Realtime writes by kind (direct or deferred).",
		}, []string{"kind"}),
		SlowConsumers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Websocket connections closed because their send buffer overflowed.",
		}, []string{"socket"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "uploads_total",
			Help:      "Stored objects by provider.",
		}, []string{"provider"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labd",
			Name:      "audit_dropped_total",
			Help:      "Audit entries lost to a full queue or a failed batch.",
		}),
	}
	reg.MustRegister(
		m.DocumentWrites, m.LiveQueries, m.SnapshotsSent,
		m.RealtimeSessions, m.RealtimeWrites, m.SlowConsumers, m.Uploads,
		m.AuditDropped,
	)
	return m
}
