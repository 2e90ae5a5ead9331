package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
	"github.com/agentcourt/verdict/pkg/protocol"
)

const cursorKey = "reputation.from_block"

// Watcher folds escrow events into score deltas. RulingSubmitted
// rewards the winner and penalizes the loser (doubly so when the loser
// filed the dispute); EvidenceCommitted credits uneventful completed
// work. Event keys make every delta idempotent under redelivery.
type Watcher struct {
	storage *Storage
	escrow  escrow.Backend
	pollSec float64
	logger  *slog.Logger
}

// NewWatcher wires the reputation watcher.
func NewWatcher(storage *Storage, backend escrow.Backend, pollSec float64, logger *slog.Logger) *Watcher {
	if pollSec <= 0 {
		pollSec = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{storage: storage, escrow: backend, pollSec: pollSec, logger: logger}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	interval := time.Duration(w.pollSec * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.tick(ctx); err != nil {
			metrics.WatcherErrors.WithLabelValues("reputation").Inc()
			w.logger.Error("watcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	metrics.WatcherTicks.WithLabelValues("reputation").Inc()

	fromBlock, err := w.storage.GetCursor(ctx, cursorKey, 0)
	if err != nil {
		return err
	}
	lastBlock := fromBlock - 1

	rulings, err := w.escrow.PollEvents(ctx, escrow.EventRulingSubmitted, fromBlock, escrow.LatestBlock)
	if err != nil {
		return err
	}
	for _, event := range rulings {
		if err := w.applyRuling(ctx, event); err != nil {
			return err
		}
		if event.BlockNumber > lastBlock {
			lastBlock = event.BlockNumber
		}
	}

	commits, err := w.escrow.PollEvents(ctx, escrow.EventEvidenceCommitted, fromBlock, escrow.LatestBlock)
	if err != nil {
		return err
	}
	for _, event := range commits {
		agent := event.StringArg("agent")
		if agent != "" {
			eventKey := fmt.Sprintf("evidence-commit-%s-%s", event.TxHash, agent)
			if err := w.apply(ctx, agent, DeltaCompletedWithoutDispute, ReasonCompletedWithoutDispute,
				eventKey, map[string]any{"txHash": event.TxHash}); err != nil {
				return err
			}
		}
		if event.BlockNumber > lastBlock {
			lastBlock = event.BlockNumber
		}
	}

	return w.storage.SetCursor(ctx, cursorKey, lastBlock+1)
}

func (w *Watcher) applyRuling(ctx context.Context, event escrow.Event) error {
	disputeID := event.Int64Arg("disputeId")
	winner := event.StringArg("winner")
	loser := event.StringArg("loser")
	payload := map[string]any{"disputeId": disputeID}

	var plaintiff string
	if dispute, err := w.escrow.GetDispute(ctx, disputeID); err == nil && dispute != nil {
		plaintiff = dispute.Plaintiff
	}

	if winner != "" {
		eventKey := fmt.Sprintf("ruling-win-%d-%s", disputeID, winner)
		if err := w.apply(ctx, winner, DeltaWonDispute, ReasonWonDispute, eventKey, payload); err != nil {
			return err
		}
	}
	if loser != "" {
		eventKey := fmt.Sprintf("ruling-lose-%d-%s", disputeID, loser)
		if err := w.apply(ctx, loser, DeltaLostDispute, ReasonLostDispute, eventKey, payload); err != nil {
			return err
		}
		if plaintiff != "" && strings.EqualFold(loser, plaintiff) {
			eventKey := fmt.Sprintf("ruling-filer-loss-%d-%s", disputeID, loser)
			if err := w.apply(ctx, loser, DeltaLostAsFiler, ReasonLostAsFiler, eventKey, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) apply(ctx context.Context, address string, delta int, reason, eventKey string, payload map[string]any) error {
	applied, err := w.storage.ApplyEvent(ctx, protocol.AddressToDID(address), delta, reason, eventKey, payload)
	if err != nil {
		return err
	}
	if applied {
		metrics.ReputationEvents.WithLabelValues(reason).Inc()
	}
	return nil
}
