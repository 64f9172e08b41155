// Package batch aggregates item transitions into batch-level progress.
package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/refdex/recrawl/internal/queue"
)

// Tracker recomputes batch aggregates from current item states. Counting
// instead of incrementing keeps the aggregates correct even when transitions
// race or a result is replayed.
type Tracker struct {
	store     queue.Store
	publisher queue.Publisher
	clock     queue.Clock
	topic     string
	logger    *zap.Logger
}

// New constructs a Tracker. Publisher may be nil when events are disabled.
func New(store queue.Store, publisher queue.Publisher, clock queue.Clock, topic string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, publisher: publisher, clock: clock, topic: topic, logger: logger}
}

// OnItemTransition refreshes the owning batch after an item changed state
// and returns the updated batch. The recount and write happen atomically in
// the store, so a transition whose result arrives late cannot overwrite a
// batch that a concurrent transition already settled.
func (t *Tracker) OnItemTransition(ctx context.Context, item queue.QueueItem) (queue.Batch, error) {
	b, settled, err := t.store.ReconcileBatch(ctx, item.BatchID, t.clock.Now())
	if err != nil {
		return queue.Batch{}, fmt.Errorf("reconcile batch %s: %w", item.BatchID, err)
	}
	if settled {
		t.publishCompletion(ctx, b)
	}
	return b, nil
}

func (t *Tracker) publishCompletion(ctx context.Context, b queue.Batch) {
	if t.publisher == nil || t.topic == "" {
		return
	}
	payload := map[string]any{
		"event":           "batch_finished",
		"batch_id":        b.ID,
		"status":          string(b.Status),
		"total_items":     b.TotalItems,
		"completed_items": b.CompletedItems,
		"failed_items":    b.FailedItems,
		"progress":        b.Progress(),
	}
	if _, err := t.publisher.Publish(ctx, t.topic, payload); err != nil {
		t.logger.Warn("batch completion publish failed", zap.String("batch_id", b.ID), zap.Error(err))
	}
}
