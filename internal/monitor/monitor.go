// Package monitor exposes read-only queue health queries for the dashboard.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/queue"
)

const defaultLimit = 50

// Monitor answers queue health queries. It never mutates store state.
type Monitor struct {
	store    queue.Store
	clock    queue.Clock
	settings interface{ Snapshot() config.Settings }
}

// New constructs a Monitor.
func New(store queue.Store, clock queue.Clock, settings interface{ Snapshot() config.Settings }) *Monitor {
	return &Monitor{store: store, clock: clock, settings: settings}
}

// Summary is the queue health overview.
type Summary struct {
	Counts         queue.StatusCounts `json:"counts"`
	ReviewBacklog  int                `json:"review_backlog"`
	StuckRunning   int                `json:"stuck_running"`
	StuckThreshold string             `json:"stuck_threshold"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

// RetryEntry is one row of the upcoming retry schedule.
type RetryEntry struct {
	ItemID      string          `json:"item_id"`
	SourceID    string          `json:"source_id"`
	ErrorType   queue.ErrorType `json:"error_type"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	DueIn       string          `json:"due_in"`
}

// Summary returns the status histogram plus review and stuck backlogs.
func (m *Monitor) Summary(ctx context.Context) (Summary, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("status counts: %w", err)
	}
	now := m.clock.Now()
	threshold := m.settings.Snapshot().StuckThreshold
	stuck, err := m.store.StuckRunning(ctx, now.Add(-threshold))
	if err != nil {
		return Summary{}, fmt.Errorf("stuck running: %w", err)
	}
	return Summary{
		Counts:         counts,
		ReviewBacklog:  counts.TerminalFailed,
		StuckRunning:   len(stuck),
		StuckThreshold: threshold.String(),
		GeneratedAt:    now,
	}, nil
}

// ReviewQueue returns items awaiting human review, oldest first.
func (m *Monitor) ReviewQueue(ctx context.Context, limit int) ([]queue.QueueItem, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	items, err := m.store.ReviewQueue(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	return items, nil
}

// StuckItems returns items running beyond the stuck threshold.
func (m *Monitor) StuckItems(ctx context.Context) ([]queue.QueueItem, error) {
	cutoff := m.clock.Now().Add(-m.settings.Snapshot().StuckThreshold)
	items, err := m.store.StuckRunning(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck items: %w", err)
	}
	return items, nil
}

// RetrySchedule returns the upcoming retries ordered by next_retry_at.
func (m *Monitor) RetrySchedule(ctx context.Context, limit int) ([]RetryEntry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	items, err := m.store.UpcomingRetries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("upcoming retries: %w", err)
	}
	now := m.clock.Now()
	entries := make([]RetryEntry, 0, len(items))
	for _, it := range items {
		if it.NextRetryAt == nil {
			continue
		}
		due := it.NextRetryAt.Sub(now)
		if due < 0 {
			due = 0
		}
		entries = append(entries, RetryEntry{
			ItemID:      it.ID,
			SourceID:    it.SourceID,
			ErrorType:   it.ErrorType,
			RetryCount:  it.RetryCount,
			NextRetryAt: *it.NextRetryAt,
			DueIn:       due.Round(time.Second).String(),
		})
	}
	return entries, nil
}
