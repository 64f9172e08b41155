// Package memory provides a mutex-guarded queue store for single-process
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/refdex/recrawl/internal/queue"
)

// Store implements queue.Store with an in-memory index. The mutex serializes
// every state transition, which satisfies the exclusive-claim contract for a
// single process.
type Store struct {
	mu      sync.RWMutex
	items   map[string]queue.QueueItem
	batches map[string]queue.Batch
	ids     queue.IDGenerator
	clock   queue.Clock

	defaultMaxRetries int
}

// New constructs a Store.
func New(ids queue.IDGenerator, clock queue.Clock, defaultMaxRetries int) *Store {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = queue.DefaultMaxRetries
	}
	return &Store{
		items:             make(map[string]queue.QueueItem),
		batches:           make(map[string]queue.Batch),
		ids:               ids,
		clock:             clock,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// Enqueue creates a batch plus its pending items all-or-nothing.
func (s *Store) Enqueue(_ context.Context, reqs []queue.EnqueueItem) (queue.EnqueueResult, error) {
	if len(reqs) == 0 {
		return queue.EnqueueResult{}, queue.ValidationError("no sources to enqueue")
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if strings.TrimSpace(r.SourceID) == "" {
			return queue.EnqueueResult{}, queue.ValidationError("source id must not be empty")
		}
		if r.Priority < 0 {
			return queue.EnqueueResult{}, queue.ValidationError(fmt.Sprintf("negative priority for source %q", r.SourceID))
		}
		if _, dup := seen[r.SourceID]; dup {
			return queue.EnqueueResult{}, queue.ValidationError(fmt.Sprintf("duplicate source %q in batch", r.SourceID))
		}
		seen[r.SourceID] = struct{}{}
	}

	batchID, err := s.ids.NewID()
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("generate batch id: %w", err)
	}
	now := s.clock.Now()
	batch := queue.Batch{
		ID:         batchID,
		Status:     queue.BatchPending,
		TotalItems: len(reqs),
		CreatedAt:  now,
	}

	items := make([]queue.QueueItem, 0, len(reqs))
	for _, r := range reqs {
		itemID, err := s.ids.NewID()
		if err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("generate item id: %w", err)
		}
		items = append(items, queue.QueueItem{
			ID:         itemID,
			BatchID:    batchID,
			SourceID:   r.SourceID,
			Status:     queue.StatusPending,
			Priority:   r.Priority,
			MaxRetries: s.defaultMaxRetries,
			CreatedAt:  now,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batchID] = batch
	for _, it := range items {
		s.items[it.ID] = it
	}
	return queue.EnqueueResult{Batch: batch, Items: items}, nil
}

// Claim marks up to n eligible items running and returns them. Ordering is
// priority desc then created_at asc, with the item id as a final tiebreak so
// claims are deterministic.
func (s *Store) Claim(_ context.Context, n int, now time.Time) ([]queue.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]queue.QueueItem, 0)
	for _, it := range s.items {
		if it.Eligible(now) {
			eligible = append(eligible, it)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	claimed := make([]queue.QueueItem, 0, len(eligible))
	for _, it := range eligible {
		it.Status = queue.StatusRunning
		started := now
		it.StartedAt = &started
		it.NextRetryAt = nil
		s.items[it.ID] = it
		claimed = append(claimed, it)
	}
	return claimed, nil
}

// Complete applies the retry policy to a running item.
func (s *Store) Complete(_ context.Context, itemID string, outcome queue.Outcome) (queue.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return queue.QueueItem{}, queue.ErrNotFound
	}
	if it.Status != queue.StatusRunning {
		return it, queue.ErrNotRunning
	}
	it = queue.Resolve(it, outcome, s.clock.Now())
	s.items[itemID] = it
	return it, nil
}

// CancelItem transitions a non-terminal item to cancelled; idempotent.
func (s *Store) CancelItem(_ context.Context, itemID string, now time.Time) (queue.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return queue.QueueItem{}, queue.ErrNotFound
	}
	s.items[itemID] = cancelLocked(it, now)
	return s.items[itemID], nil
}

// CancelSources cancels every non-terminal item for the given sources.
func (s *Store) CancelSources(_ context.Context, sourceIDs []string, now time.Time) ([]queue.QueueItem, error) {
	wanted := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := make([]queue.QueueItem, 0)
	for id, it := range s.items {
		if _, ok := wanted[it.SourceID]; !ok {
			continue
		}
		if it.Terminal() {
			continue
		}
		next := cancelLocked(it, now)
		s.items[id] = next
		cancelled = append(cancelled, next)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })
	return cancelled, nil
}

func cancelLocked(it queue.QueueItem, now time.Time) queue.QueueItem {
	if it.Terminal() {
		return it
	}
	it.Status = queue.StatusCancelled
	it.CompletedAt = &now
	it.NextRetryAt = nil
	it.RequiresHumanReview = false
	return it
}

// List returns items matching the filter.
func (s *Store) List(_ context.Context, f queue.ListFilter) ([]queue.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]queue.QueueItem, 0)
	for _, it := range s.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.BatchID != "" && it.BatchID != f.BatchID {
			continue
		}
		if f.SourceID != "" && it.SourceID != f.SourceID {
			continue
		}
		out = append(out, it)
	}

	switch f.Order {
	case queue.OrderPriority:
		sort.Slice(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}

	return paginate(out, f.Offset, f.Limit), nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(_ context.Context, batchID string) (queue.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return queue.Batch{}, queue.ErrNotFound
	}
	return b, nil
}

// ReconcileBatch recounts the batch's items and persists the derived
// aggregates under a single lock hold. Concurrent item transitions cannot
// interleave a stale recount with a newer write.
func (s *Store) ReconcileBatch(_ context.Context, batchID string, now time.Time) (queue.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return queue.Batch{}, false, queue.ErrNotFound
	}
	var counts queue.StatusCounts
	for _, it := range s.items {
		if it.BatchID == batchID {
			tally(&counts, it)
		}
	}

	wasTerminal := b.Status == queue.BatchCompleted || b.Status == queue.BatchFailedPartial
	b = queue.ReconcileBatch(b, counts, now)
	s.batches[batchID] = b
	settled := !wasTerminal && (b.Status == queue.BatchCompleted || b.Status == queue.BatchFailedPartial)
	return b, settled, nil
}

// BatchCounts returns the item status histogram for one batch.
func (s *Store) BatchCounts(_ context.Context, batchID string) (queue.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[batchID]; !ok {
		return queue.StatusCounts{}, queue.ErrNotFound
	}
	var counts queue.StatusCounts
	for _, it := range s.items {
		if it.BatchID == batchID {
			tally(&counts, it)
		}
	}
	return counts, nil
}

// Counts returns the global item status histogram.
func (s *Store) Counts(_ context.Context) (queue.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts queue.StatusCounts
	for _, it := range s.items {
		tally(&counts, it)
	}
	return counts, nil
}

// RunningCount returns the number of items currently running.
func (s *Store) RunningCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if it.Status == queue.StatusRunning {
			n++
		}
	}
	return n, nil
}

// ReviewQueue returns terminal failures awaiting a human, oldest first.
func (s *Store) ReviewQueue(_ context.Context, limit int) ([]queue.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.QueueItem, 0)
	for _, it := range s.items {
		if it.RequiresHumanReview {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, 0, limit), nil
}

// StuckRunning returns running items whose started_at is older than cutoff.
func (s *Store) StuckRunning(_ context.Context, cutoff time.Time) ([]queue.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.QueueItem, 0)
	for _, it := range s.items {
		if it.Status == queue.StatusRunning && it.StartedAt != nil && it.StartedAt.Before(cutoff) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

// UpcomingRetries returns retry-scheduled items ordered by next_retry_at.
func (s *Store) UpcomingRetries(_ context.Context, limit int) ([]queue.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.QueueItem, 0)
	for _, it := range s.items {
		if it.Status == queue.StatusFailed && it.NextRetryAt != nil {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return paginate(out, 0, limit), nil
}

// ReclaimStuck returns stale running items to pending. The retry count is
// untouched: worker crashes are infrastructure failures, not crawl failures.
func (s *Store) ReclaimStuck(_ context.Context, cutoff time.Time, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, it := range s.items {
		if it.Status != queue.StatusRunning || it.StartedAt == nil || !it.StartedAt.Before(cutoff) {
			continue
		}
		it.Status = queue.StatusPending
		it.StartedAt = nil
		it.ErrorType = queue.ErrTypeInfrastructure
		it.ErrorMessage = "reclaimed after stuck-threshold"
		s.items[id] = it
		n++
	}
	return n, nil
}

func tally(counts *queue.StatusCounts, it queue.QueueItem) {
	switch it.Status {
	case queue.StatusPending:
		counts.Pending++
	case queue.StatusRunning:
		counts.Running++
	case queue.StatusCompleted:
		counts.Completed++
	case queue.StatusFailed:
		counts.Failed++
		if it.RequiresHumanReview {
			counts.TerminalFailed++
		}
	case queue.StatusCancelled:
		counts.Cancelled++
	}
}

func paginate(items []queue.QueueItem, offset, limit int) []queue.QueueItem {
	if offset >= len(items) {
		return []queue.QueueItem{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]queue.QueueItem, len(items))
	copy(out, items)
	return out
}
