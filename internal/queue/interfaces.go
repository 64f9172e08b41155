package queue

import (
	"context"
	"time"
)

// Store is the durable queue backend and the sole point of atomic state
// transition. Multiple scheduler instances coordinate only through Claim and
// Complete; no external lock service is involved.
type Store interface {
	// Enqueue creates one batch plus its items in a single atomic operation.
	// Invalid input aborts the whole call; no partial batch is ever created.
	Enqueue(ctx context.Context, items []EnqueueItem) (EnqueueResult, error)

	// Claim atomically selects up to n eligible items ordered by priority
	// desc then created_at asc, marks them running with started_at=now, and
	// guarantees exclusive ownership to the caller.
	Claim(ctx context.Context, n int, now time.Time) ([]QueueItem, error)

	// Complete applies the retry policy outcome to a running item. Returns
	// ErrNotRunning when the item is not currently running.
	Complete(ctx context.Context, itemID string, outcome Outcome) (QueueItem, error)

	// CancelItem transitions a non-terminal item to cancelled; idempotent.
	CancelItem(ctx context.Context, itemID string, now time.Time) (QueueItem, error)

	// CancelSources cancels all non-terminal items for the given sources and
	// returns the items actually transitioned.
	CancelSources(ctx context.Context, sourceIDs []string, now time.Time) ([]QueueItem, error)

	// List returns items matching the filter, paginated.
	List(ctx context.Context, filter ListFilter) ([]QueueItem, error)

	// GetBatch fetches a batch by id.
	GetBatch(ctx context.Context, batchID string) (Batch, error)

	// ReconcileBatch recounts the batch's items and persists the derived
	// aggregates in one atomic step, so a stale recount can never overwrite
	// a newer one. The bool reports whether this call moved the batch into
	// a terminal status.
	ReconcileBatch(ctx context.Context, batchID string, now time.Time) (Batch, bool, error)

	// BatchCounts returns the item status histogram for one batch.
	BatchCounts(ctx context.Context, batchID string) (StatusCounts, error)

	// Counts returns the global item status histogram.
	Counts(ctx context.Context) (StatusCounts, error)

	// RunningCount returns the number of items currently running.
	RunningCount(ctx context.Context) (int, error)

	// ReviewQueue returns terminal failures awaiting a human, oldest first.
	ReviewQueue(ctx context.Context, limit int) ([]QueueItem, error)

	// StuckRunning returns running items whose started_at is older than cutoff.
	StuckRunning(ctx context.Context, cutoff time.Time) ([]QueueItem, error)

	// UpcomingRetries returns retry-scheduled items ordered by next_retry_at.
	UpcomingRetries(ctx context.Context, limit int) ([]QueueItem, error)

	// ReclaimStuck returns running items older than cutoff to pending without
	// touching retry_count; worker crashes are not crawl failures.
	ReclaimStuck(ctx context.Context, cutoff time.Time, now time.Time) (int, error)
}

// Executor performs the actual crawl for one source. The queue owns no
// executor timeout beyond the stuck-item liveness check; the executor owns
// its own deadlines.
type Executor interface {
	Crawl(ctx context.Context, sourceID string, opts CrawlOptions) (CrawlMetrics, error)
}

// Publisher pushes item/batch completion events for the dashboard.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
