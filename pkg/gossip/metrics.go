package gossip

import "github.com/ryandielhenn/clustermesh/internal/telemetry"

// recorder isolates the engine from the concrete metrics backend so tests
// can run without touching the global Prometheus registry.
type recorder interface {
	onSend(kind Kind)
	onSendError()
	onBroadcast(kind Kind, fanout int)
	onMemberCounts(alive, suspect, dead int)
	onStateKeys(n int)
	onAntiEntropySync()
}

type prometheusRecorder struct{}

func (prometheusRecorder) onSend(kind Kind) {
	telemetry.MessagesSent.WithLabelValues(kind.String()).Inc()
}

func (prometheusRecorder) onSendError() {
	telemetry.SendErrors.Inc()
}

func (prometheusRecorder) onBroadcast(kind Kind, fanout int) {
	telemetry.BroadcastFanout.WithLabelValues(kind.String()).Observe(float64(fanout))
}

func (prometheusRecorder) onMemberCounts(alive, suspect, dead int) {
	telemetry.MembersByStatus.WithLabelValues("alive").Set(float64(alive))
	telemetry.MembersByStatus.WithLabelValues("suspect").Set(float64(suspect))
	telemetry.MembersByStatus.WithLabelValues("dead").Set(float64(dead))
}

func (prometheusRecorder) onStateKeys(n int) {
	telemetry.StateKeys.Set(float64(n))
}

func (prometheusRecorder) onAntiEntropySync() {
	telemetry.AntiEntropySyncsTotal.Inc()
}
