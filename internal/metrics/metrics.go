// Package metrics registers the Prometheus series exposing each manager's
// counters/gauges at /metrics, per spec §6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this server exports.
type Registry struct {
	ActiveConnections prometheus.Gauge
	QueueLength       *prometheus.GaugeVec
	ActivePairs       prometheus.Gauge
	MessagesRouted    prometheus.Counter
	QueueTimeouts     prometheus.Counter
	BansIssued        prometheus.Counter
	FramesRejected    *prometheus.CounterVec
}

// New registers every series against reg (pass prometheus.NewRegistry() for
// an isolated registry in tests, or prometheus.DefaultRegisterer in
// production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "active_connections",
			Help:      "Number of currently registered client connections.",
		}),
		QueueLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "queue_length",
			Help:      "Number of users currently waiting in a queue lane.",
		}, []string{"mode", "tier"}),
		ActivePairs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "active_pairs",
			Help:      "Number of currently active pairs.",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "messages_routed_total",
			Help:      "Total text messages successfully relayed between pairs.",
		}),
		QueueTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "queue_timeouts_total",
			Help:      "Total queue entries evicted by the timeout sweeper.",
		}),
		BansIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "bans_issued_total",
			Help:      "Total IP bans issued by the security manager.",
		}),
		FramesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "frames_rejected_total",
			Help:      "Total inbound frames rejected, by reason.",
		}, []string{"reason"}),
	}
}
