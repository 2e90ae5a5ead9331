package judge

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
)

const cursorKey = "judge.from_block"

// Watcher polls the escrow contract for DisputeFiled events and feeds
// them through the pipeline. The block cursor only advances after the
// whole batch is handled and every verdict persisted, so a crash
// mid-batch replays the batch; IsProcessed makes the replay idempotent.
type Watcher struct {
	service *Service
	pollSec float64
	logger  *slog.Logger
}

// NewWatcher wires the dispute watcher.
func NewWatcher(service *Service, pollSec float64, logger *slog.Logger) *Watcher {
	if pollSec <= 0 {
		pollSec = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{service: service, pollSec: pollSec, logger: logger}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	interval := time.Duration(w.pollSec * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.tick(ctx); err != nil {
			metrics.WatcherErrors.WithLabelValues("judge").Inc()
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
	metrics.WatcherTicks.WithLabelValues("judge").Inc()

	fromBlock, err := w.service.storage.GetCursor(ctx, cursorKey, 0)
	if err != nil {
		return err
	}

	events, err := w.service.escrow.PollEvents(ctx, escrow.EventDisputeFiled, fromBlock, escrow.LatestBlock)
	if err != nil {
		return err
	}

	lastBlock := fromBlock - 1
	for _, event := range events {
		disputeID := event.Int64Arg("disputeId")
		processed, err := w.service.storage.IsProcessed(ctx, disputeID)
		if err != nil {
			return err
		}
		if !processed {
			if err := w.service.HandleDispute(ctx, disputeID); err != nil {
				return err
			}
		}
		if event.BlockNumber > lastBlock {
			lastBlock = event.BlockNumber
		}
	}

	return w.service.storage.SetCursor(ctx, cursorKey, lastBlock+1)
}
