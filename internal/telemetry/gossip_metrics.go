package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Gossip-specific metrics, registered on the same Registry as the HTTP
// request metrics in metrics.go so a single /metrics endpoint exposes
// both the data-plane and the membership protocol.
var (
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "messages_sent_total",
			Help:      "Unicast messages successfully handed to the transport, by kind (broadcasts are recorded in broadcast_fanout).",
		},
		[]string{"kind"},
	)

	SendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "send_errors_total",
			Help:      "Unicast transport send failures (peer treated as unreachable on the next sweep).",
		},
	)

	BroadcastFanout = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "broadcast_fanout",
			Help:      "Number of peers a dissemination broadcast was addressed to, by message kind.",
			Buckets:   prometheus.LinearBuckets(0, 4, 10),
		},
		[]string{"kind"},
	)

	MembersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "members",
			Help:      "Current directory size by status.",
		},
		[]string{"status"},
	)

	StateKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "state_keys",
			Help:      "Total number of keys currently held across all namespaces in the metadata store.",
		},
	)

	AntiEntropySyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clustermesh",
			Subsystem: "gossip",
			Name:      "anti_entropy_syncs_total",
			Help:      "Number of state_sync snapshots sent during anti-entropy ticks.",
		},
	)
)

func init() {
	Registry.MustRegister(MessagesSent, SendErrors, BroadcastFanout, MembersByStatus, StateKeys, AntiEntropySyncsTotal)
}
