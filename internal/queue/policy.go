package queue

import "time"

// DefaultRetryDelays is the escalating backoff table applied per retry
// attempt. A fixed table keeps retry latency bounded and predictable for
// transient network and rate-limit failures from third-party sites.
var DefaultRetryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Outcome describes the result of one executor dispatch, ready to be applied
// to a running item. RetryDelays carries the settings snapshot in effect at
// dispatch time so a hot reload mid-flight cannot split the policy.
type Outcome struct {
	Success      bool
	Metrics      CrawlMetrics
	ErrorType    ErrorType
	ErrorMessage string
	RetryDelays  []time.Duration
}

// SuccessOutcome builds a successful Outcome.
func SuccessOutcome(metrics CrawlMetrics) Outcome {
	return Outcome{Success: true, Metrics: metrics}
}

// FailureOutcome classifies err and builds a failed Outcome using the given
// delay table.
func FailureOutcome(err error, delays []time.Duration) Outcome {
	kind, msg := Classify(err)
	return Outcome{ErrorType: kind, ErrorMessage: msg, RetryDelays: delays}
}

// RetryDelay returns the wait before the next attempt for the given
// retry_count (1-based), clamped to the last table entry.
func RetryDelay(delays []time.Duration, retryCount int) time.Duration {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// Resolve applies the retry/backoff/escalation policy to a running item and
// returns its next state. It is a pure function so every store backend
// applies identical semantics:
//
//	success                      -> completed
//	failure, retries remaining   -> failed with next_retry_at set
//	failure, retries exhausted   -> failed terminal, requires_human_review
func Resolve(item QueueItem, outcome Outcome, now time.Time) QueueItem {
	if outcome.Success {
		item.Status = StatusCompleted
		item.CompletedAt = &now
		item.ErrorType = ""
		item.ErrorMessage = ""
		item.NextRetryAt = nil
		return item
	}

	item.Status = StatusFailed
	item.RetryCount++
	item.ErrorType = outcome.ErrorType
	item.ErrorMessage = outcome.ErrorMessage

	if item.RetryCount < item.MaxRetries {
		at := now.Add(RetryDelay(outcome.RetryDelays, item.RetryCount))
		item.NextRetryAt = &at
		return item
	}

	item.RequiresHumanReview = true
	item.NextRetryAt = nil
	item.CompletedAt = &now
	return item
}

// ReconcileBatch applies a fresh item recount to the batch aggregates and
// derives the batch status. Like Resolve it is a pure function; store
// backends call it under their own lock or transaction so the recount and
// the write are one atomic step.
func ReconcileBatch(b Batch, counts StatusCounts, now time.Time) Batch {
	b.CompletedItems = counts.Completed
	// failed_items counts only terminal failures; retry-scheduled items are
	// still in flight from the batch's point of view.
	b.FailedItems = counts.TerminalFailed
	b.Status = deriveBatchStatus(b, counts)

	if b.StartedAt == nil && counts.Pending < b.TotalItems {
		b.StartedAt = &now
	}
	if b.Status == BatchCompleted || b.Status == BatchFailedPartial {
		if b.CompletedAt == nil {
			b.CompletedAt = &now
		}
	} else {
		b.CompletedAt = nil
	}
	return b
}

func deriveBatchStatus(b Batch, counts StatusCounts) BatchStatus {
	terminal := counts.Completed + counts.TerminalFailed + counts.Cancelled
	switch {
	case b.TotalItems == 0:
		// Vacuously complete.
		return BatchCompleted
	case counts.Completed == b.TotalItems:
		return BatchCompleted
	case terminal >= b.TotalItems:
		// Everything is settled but not everything completed: failures or
		// cancellations keep the batch from counting as fully done.
		return BatchFailedPartial
	case counts.Pending == b.TotalItems:
		return BatchPending
	default:
		return BatchRunning
	}
}
