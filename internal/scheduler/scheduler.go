// Package scheduler implements the polling claim/dispatch loop.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/refdex/recrawl/internal/admission"
	"github.com/refdex/recrawl/internal/batch"
	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/metrics"
	"github.com/refdex/recrawl/internal/queue"
)

// recordTimeout bounds store writes for results that arrive during shutdown.
const recordTimeout = 10 * time.Second

// SettingsSource supplies the tuning snapshot re-read each tick.
type SettingsSource interface {
	Snapshot() config.Settings
}

// Scheduler polls the queue store, claims eligible items up to available
// capacity, dispatches them to the Crawl Executor, and applies the
// retry/backoff/escalation policy on each outcome. Multiple instances may
// run concurrently; claims are atomic at the store level.
type Scheduler struct {
	store     queue.Store
	executor  queue.Executor
	admission *admission.Controller
	tracker   *batch.Tracker
	settings  SettingsSource
	clock     queue.Clock
	publisher queue.Publisher
	topic     string
	logger    *zap.Logger

	inflight atomic.Int64
	wg       sync.WaitGroup
}

// New constructs a Scheduler. Publisher may be nil when events are disabled.
func New(
	store queue.Store,
	executor queue.Executor,
	admissionCtl *admission.Controller,
	tracker *batch.Tracker,
	settings SettingsSource,
	clock queue.Clock,
	publisher queue.Publisher,
	topic string,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:     store,
		executor:  executor,
		admission: admissionCtl,
		tracker:   tracker,
		settings:  settings,
		clock:     clock,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Run blocks, ticking every poll interval until ctx finishes, then waits up
// to the shutdown grace for in-flight crawls. Items still running when the
// grace expires stay running in the store; the reconciliation pass reclaims
// them on the next start.
func (s *Scheduler) Run(ctx context.Context) {
	// Executors get their own lifetime so shutdown stops claiming without
	// yanking crawls that are mid-flight.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	for {
		snapshot := s.settings.Snapshot()
		s.Tick(ctx, execCtx, snapshot)

		select {
		case <-ctx.Done():
			s.drain(snapshot.ShutdownGrace)
			return
		case <-time.After(snapshot.PollInterval):
		}
	}
}

// Tick runs one scheduling pass: reconcile stuck items, compute capacity,
// consult admission, claim, dispatch.
func (s *Scheduler) Tick(ctx, execCtx context.Context, snapshot config.Settings) {
	started := time.Now()
	defer func() { metrics.ObserveTick(time.Since(started)) }()

	now := s.clock.Now()
	s.reconcile(ctx, now, snapshot)

	running, err := s.store.RunningCount(ctx)
	if err != nil {
		s.logger.Error("running count failed", zap.Error(err))
		return
	}
	metrics.SetRunningItems(running)

	capacity := snapshot.MaxConcurrency - running
	if capacity > snapshot.ClaimBatchSize {
		capacity = snapshot.ClaimBatchSize
	}
	if !s.admission.CanAdmit(ctx, running, snapshot) {
		return
	}
	if capacity <= 0 {
		return
	}

	items, err := s.store.Claim(ctx, capacity, now)
	if err != nil {
		s.logger.Error("claim failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	metrics.ObserveClaimed(len(items))
	s.logger.Debug("claimed items", zap.Int("count", len(items)), zap.Int("capacity", capacity))

	for _, item := range items {
		s.wg.Add(1)
		go s.dispatch(execCtx, item, snapshot)
	}
}

// Inflight returns the number of dispatches currently executing in-process.
func (s *Scheduler) Inflight() int {
	return int(s.inflight.Load())
}

func (s *Scheduler) reconcile(ctx context.Context, now time.Time, snapshot config.Settings) {
	cutoff := now.Add(-snapshot.StuckThreshold)
	n, err := s.store.ReclaimStuck(ctx, cutoff, now)
	if err != nil {
		s.logger.Error("stuck reclamation failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.ObserveStuckReclaimed(n)
		s.logger.Warn("reclaimed stuck items", zap.Int("count", n), zap.Duration("threshold", snapshot.StuckThreshold))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, item queue.QueueItem, snapshot config.Settings) {
	defer s.wg.Done()
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	opts := queue.CrawlOptions{
		Attempt:  item.RetryCount + 1,
		Priority: item.Priority,
	}
	crawlMetrics, err := s.executor.Crawl(ctx, item.SourceID, opts)

	var outcome queue.Outcome
	if err == nil {
		outcome = queue.SuccessOutcome(crawlMetrics)
	} else {
		outcome = queue.FailureOutcome(err, snapshot.RetryDelays)
	}
	s.record(item, outcome)
}

// record persists one executor outcome. It uses a fresh context so results
// arriving during shutdown still reach the store.
func (s *Scheduler) record(item queue.QueueItem, outcome queue.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	updated, err := s.store.Complete(ctx, item.ID, outcome)
	if errors.Is(err, queue.ErrNotRunning) || errors.Is(err, queue.ErrNotFound) {
		// Cancelled (or reclaimed) while the crawl was in flight.
		s.logger.Info("dropping result for item no longer running",
			zap.String("item_id", item.ID),
			zap.String("source_id", item.SourceID),
		)
		return
	}
	if err != nil {
		s.logger.Error("complete failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	switch {
	case updated.Status == queue.StatusCompleted:
		metrics.ObserveCompletion("completed")
		s.logger.Info("item completed",
			zap.String("item_id", updated.ID),
			zap.String("source_id", updated.SourceID),
			zap.Int("pages_crawled", outcome.Metrics.PagesCrawled),
			zap.Int("code_examples_found", outcome.Metrics.CodeExamplesFound),
		)
	case updated.RequiresHumanReview:
		metrics.ObserveCompletion("human_review")
		metrics.ObserveReviewEscalation()
		s.logger.Warn("item escalated to human review",
			zap.String("item_id", updated.ID),
			zap.String("source_id", updated.SourceID),
			zap.String("error_type", string(updated.ErrorType)),
			zap.Int("retry_count", updated.RetryCount),
		)
	default:
		metrics.ObserveCompletion("retry_scheduled")
		metrics.ObserveRetryScheduled()
		s.logger.Info("item retry scheduled",
			zap.String("item_id", updated.ID),
			zap.String("source_id", updated.SourceID),
			zap.String("error_type", string(updated.ErrorType)),
			zap.Int("retry_count", updated.RetryCount),
			zap.Timep("next_retry_at", updated.NextRetryAt),
		)
	}

	if _, err := s.tracker.OnItemTransition(ctx, updated); err != nil {
		s.logger.Error("batch update failed", zap.String("batch_id", updated.BatchID), zap.Error(err))
	}
	s.publishItem(ctx, updated)
}

func (s *Scheduler) publishItem(ctx context.Context, item queue.QueueItem) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	payload := map[string]any{
		"event":     "item_finished",
		"item_id":   item.ID,
		"batch_id":  item.BatchID,
		"source_id": item.SourceID,
		"status":    string(item.Status),
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("item event publish failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (s *Scheduler) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler drained")
	case <-time.After(grace):
		s.logger.Warn("shutdown grace expired, leaving items for reconciliation",
			zap.Int64("inflight", s.inflight.Load()),
			zap.Duration("grace", grace),
		)
	}
}
