// Package metrics exposes the Prometheus instrumentation shared by the
// court services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReceiptsStored counts receipts accepted by the evidence service.
	ReceiptsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "receipts_stored_total",
		Help:      "Receipts accepted and persisted by the evidence service.",
	})

	// AnchorsCommitted counts Merkle roots committed on-chain.
	AnchorsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "anchors_committed_total",
		Help:      "Evidence roots committed through the escrow adapter.",
	})

	// DisputesHandled counts dispute events fully processed by the
	// judge, labelled by verdict status.
	DisputesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "disputes_handled_total",
		Help:      "Dispute events processed to a stored verdict.",
	}, []string{"status"})

	// WatcherTicks counts watcher polling iterations per service.
	WatcherTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "watcher_ticks_total",
		Help:      "Watcher polling iterations.",
	}, []string{"service"})

	// WatcherErrors counts failed watcher ticks per service.
	WatcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "watcher_errors_total",
		Help:      "Watcher ticks that failed and will be retried.",
	}, []string{"service"})

	// ReputationEvents counts applied reputation score events by
	// reason.
	ReputationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "reputation_events_total",
		Help:      "Idempotent reputation score events applied.",
	}, []string{"reason"})

	// RunsStarted counts demo runs begun, by mode.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "runs_started_total",
		Help:      "Demo runs begun by the orchestrator.",
	}, []string{"mode"})

	// RunsFinished counts demo runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcourt",
		Name:      "runs_finished_total",
		Help:      "Demo runs finished, by terminal status.",
	}, []string{"status"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
