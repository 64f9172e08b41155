// Package postgres provides the Postgres-backed queue store.
//
// Expected schema:
//
//	CREATE TABLE queue_batches (
//		batch_id        UUID PRIMARY KEY,
//		status          TEXT NOT NULL,
//		total_items     INT NOT NULL,
//		completed_items INT NOT NULL DEFAULT 0,
//		failed_items    INT NOT NULL DEFAULT 0,
//		created_at      TIMESTAMPTZ NOT NULL,
//		started_at      TIMESTAMPTZ,
//		completed_at    TIMESTAMPTZ
//	);
//
//	CREATE TABLE queue_items (
//		item_id               UUID PRIMARY KEY,
//		batch_id              UUID NOT NULL REFERENCES queue_batches (batch_id),
//		source_id             TEXT NOT NULL,
//		status                TEXT NOT NULL,
//		priority              INT NOT NULL,
//		retry_count           INT NOT NULL DEFAULT 0,
//		max_retries           INT NOT NULL,
//		error_type            TEXT,
//		error_message         TEXT,
//		requires_human_review BOOLEAN NOT NULL DEFAULT FALSE,
//		created_at            TIMESTAMPTZ NOT NULL,
//		started_at            TIMESTAMPTZ,
//		completed_at          TIMESTAMPTZ,
//		next_retry_at         TIMESTAMPTZ
//	);
//	CREATE INDEX queue_items_claim_idx ON queue_items (priority DESC, created_at ASC)
//		WHERE status IN ('pending', 'failed');
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refdex/recrawl/internal/queue"
)

const itemColumns = `item_id, batch_id, source_id, status, priority, retry_count, max_retries,
	error_type, error_message, requires_human_review, created_at, started_at, completed_at, next_retry_at`

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements queue.Store on Postgres. Claim relies on
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent scheduler instances never
// receive the same row.
type Store struct {
	pool  Pool
	ids   queue.IDGenerator
	clock queue.Clock

	defaultMaxRetries int
}

// New connects a pool and constructs a Store.
func New(ctx context.Context, cfg Config, ids queue.IDGenerator, clock queue.Clock, defaultMaxRetries int) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, ids, clock, defaultMaxRetries)
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, ids queue.IDGenerator, clock queue.Clock, defaultMaxRetries int) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = queue.DefaultMaxRetries
	}
	return &Store{pool: pool, ids: ids, clock: clock, defaultMaxRetries: defaultMaxRetries}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Enqueue creates a batch plus its pending items in one transaction.
func (s *Store) Enqueue(ctx context.Context, reqs []queue.EnqueueItem) (queue.EnqueueResult, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO queue_batches (batch_id, status, total_items, created_at)
VALUES ($1, $2, $3, $4)`,
		batch.ID, batch.Status, batch.TotalItems, batch.CreatedAt,
	); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("insert batch: %w", err)
	}

	items := make([]queue.QueueItem, 0, len(reqs))
	for _, r := range reqs {
		itemID, err := s.ids.NewID()
		if err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("generate item id: %w", err)
		}
		item := queue.QueueItem{
			ID:         itemID,
			BatchID:    batchID,
			SourceID:   r.SourceID,
			Status:     queue.StatusPending,
			Priority:   r.Priority,
			MaxRetries: s.defaultMaxRetries,
			CreatedAt:  now,
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO queue_items (item_id, batch_id, source_id, status, priority, max_retries, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.BatchID, item.SourceID, item.Status, item.Priority, item.MaxRetries, item.CreatedAt,
		); err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("insert item %s: %w", item.SourceID, err)
		}
		items = append(items, item)
	}

	if err := tx.Commit(ctx); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return queue.EnqueueResult{Batch: batch, Items: items}, nil
}

// Claim marks up to n eligible items running. SKIP LOCKED keeps concurrent
// claimers from ever receiving the same row.
func (s *Store) Claim(ctx context.Context, n int, now time.Time) ([]queue.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
UPDATE queue_items
SET status = 'running', started_at = $2, next_retry_at = NULL
WHERE item_id IN (
	SELECT item_id FROM queue_items
	WHERE status = 'pending'
	   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $2 AND retry_count < max_retries)
	ORDER BY priority DESC, created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING %s`, itemColumns), n, now)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the inner SELECT's order.
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// Complete applies the retry policy outcome inside a row-locked transaction.
func (s *Store) Complete(ctx context.Context, itemID string, outcome queue.Outcome) (queue.QueueItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queue.QueueItem{}, fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, fmt.Sprintf(`
SELECT %s FROM queue_items WHERE item_id = $1 FOR UPDATE`, itemColumns), itemID)
	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return queue.QueueItem{}, queue.ErrNotFound
		}
		return queue.QueueItem{}, fmt.Errorf("lock item: %w", err)
	}
	if item.Status != queue.StatusRunning {
		return item, queue.ErrNotRunning
	}

	item = queue.Resolve(item, outcome, s.clock.Now())
	if _, err := tx.Exec(ctx, `
UPDATE queue_items
SET status = $2, retry_count = $3, error_type = $4, error_message = $5,
    requires_human_review = $6, completed_at = $7, next_retry_at = $8
WHERE item_id = $1`,
		item.ID, item.Status, item.RetryCount, nullableString(string(item.ErrorType)),
		nullableString(item.ErrorMessage), item.RequiresHumanReview, item.CompletedAt, item.NextRetryAt,
	); err != nil {
		return queue.QueueItem{}, fmt.Errorf("update item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.QueueItem{}, fmt.Errorf("commit complete: %w", err)
	}
	return item, nil
}

// CancelItem transitions a non-terminal item to cancelled; idempotent.
func (s *Store) CancelItem(ctx context.Context, itemID string, now time.Time) (queue.QueueItem, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
UPDATE queue_items
SET status = 'cancelled', completed_at = $2, next_retry_at = NULL, requires_human_review = FALSE
WHERE item_id = $1 AND %s
RETURNING %s`, nonTerminalCond, itemColumns), itemID, now)
	if err != nil {
		return queue.QueueItem{}, fmt.Errorf("cancel item: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return queue.QueueItem{}, err
	}
	if len(items) > 0 {
		return items[0], nil
	}
	// Already terminal or unknown; re-read for the idempotent result.
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM queue_items WHERE item_id = $1`, itemColumns), itemID)
	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return queue.QueueItem{}, queue.ErrNotFound
		}
		return queue.QueueItem{}, fmt.Errorf("fetch item: %w", err)
	}
	return item, nil
}

// CancelSources cancels every non-terminal item for the given sources.
func (s *Store) CancelSources(ctx context.Context, sourceIDs []string, now time.Time) ([]queue.QueueItem, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
UPDATE queue_items
SET status = 'cancelled', completed_at = $2, next_retry_at = NULL, requires_human_review = FALSE
WHERE source_id = ANY($1) AND %s
RETURNING %s`, nonTerminalCond, itemColumns), sourceIDs, now)
	if err != nil {
		return nil, fmt.Errorf("cancel sources: %w", err)
	}
	return collectItems(rows)
}

// nonTerminalCond matches items that may still transition: pending, running,
// and retry-scheduled failures.
const nonTerminalCond = `(status IN ('pending', 'running') OR (status = 'failed' AND NOT requires_human_review))`

// List returns items matching the filter.
func (s *Store) List(ctx context.Context, f queue.ListFilter) ([]queue.QueueItem, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.BatchID != "" {
		add("batch_id = $%d", f.BatchID)
	}
	if f.SourceID != "" {
		add("source_id = $%d", f.SourceID)
	}
	cond := ""
	if len(where) > 0 {
		cond = "WHERE " + strings.Join(where, " AND ")
	}

	order := "created_at DESC, item_id DESC"
	if f.Order == queue.OrderPriority {
		order = "priority DESC, created_at ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM queue_items %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		itemColumns, cond, order, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (queue.Batch, error) {
	row := s.pool.QueryRow(ctx, `
SELECT batch_id, status, total_items, completed_items, failed_items, created_at, started_at, completed_at
FROM queue_batches WHERE batch_id = $1`, batchID)
	var b queue.Batch
	if err := row.Scan(&b.ID, &b.Status, &b.TotalItems, &b.CompletedItems, &b.FailedItems,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return queue.Batch{}, queue.ErrNotFound
		}
		return queue.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// ReconcileBatch recounts the batch's items and persists the derived
// aggregates inside one row-locked transaction. The FOR UPDATE lock
// serializes concurrent reconciles across scheduler instances, so a stale
// recount can never land after a newer one.
func (s *Store) ReconcileBatch(ctx context.Context, batchID string, now time.Time) (queue.Batch, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queue.Batch{}, false, fmt.Errorf("begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
SELECT batch_id, status, total_items, completed_items, failed_items, created_at, started_at, completed_at
FROM queue_batches WHERE batch_id = $1 FOR UPDATE`, batchID)
	var b queue.Batch
	if err := row.Scan(&b.ID, &b.Status, &b.TotalItems, &b.CompletedItems, &b.FailedItems,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return queue.Batch{}, false, queue.ErrNotFound
		}
		return queue.Batch{}, false, fmt.Errorf("lock batch: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT status, COUNT(*), COUNT(*) FILTER (WHERE requires_human_review)
FROM queue_items WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return queue.Batch{}, false, fmt.Errorf("batch counts: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return queue.Batch{}, false, err
	}

	wasTerminal := b.Status == queue.BatchCompleted || b.Status == queue.BatchFailedPartial
	b = queue.ReconcileBatch(b, counts, now)
	if _, err := tx.Exec(ctx, `
UPDATE queue_batches
SET status = $2, completed_items = $3, failed_items = $4, started_at = $5, completed_at = $6
WHERE batch_id = $1`,
		b.ID, b.Status, b.CompletedItems, b.FailedItems, b.StartedAt, b.CompletedAt,
	); err != nil {
		return queue.Batch{}, false, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.Batch{}, false, fmt.Errorf("commit reconcile: %w", err)
	}
	settled := !wasTerminal && (b.Status == queue.BatchCompleted || b.Status == queue.BatchFailedPartial)
	return b, settled, nil
}

// BatchCounts returns the item status histogram for one batch.
func (s *Store) BatchCounts(ctx context.Context, batchID string) (queue.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*), COUNT(*) FILTER (WHERE requires_human_review)
FROM queue_items WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return queue.StatusCounts{}, fmt.Errorf("batch counts: %w", err)
	}
	return scanCounts(rows)
}

// Counts returns the global item status histogram.
func (s *Store) Counts(ctx context.Context) (queue.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*), COUNT(*) FILTER (WHERE requires_human_review)
FROM queue_items GROUP BY status`)
	if err != nil {
		return queue.StatusCounts{}, fmt.Errorf("counts: %w", err)
	}
	return scanCounts(rows)
}

// RunningCount returns the number of items currently running.
func (s *Store) RunningCount(ctx context.Context) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'running'`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

// ReviewQueue returns terminal failures awaiting a human, oldest first.
func (s *Store) ReviewQueue(ctx context.Context, limit int) ([]queue.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM queue_items
WHERE requires_human_review
ORDER BY created_at ASC
LIMIT $1`, itemColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	return collectItems(rows)
}

// StuckRunning returns running items whose started_at is older than cutoff.
func (s *Store) StuckRunning(ctx context.Context, cutoff time.Time) ([]queue.QueueItem, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM queue_items
WHERE status = 'running' AND started_at < $1
ORDER BY started_at ASC`, itemColumns), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck running: %w", err)
	}
	return collectItems(rows)
}

// UpcomingRetries returns retry-scheduled items ordered by next_retry_at.
func (s *Store) UpcomingRetries(ctx context.Context, limit int) ([]queue.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM queue_items
WHERE status = 'failed' AND next_retry_at IS NOT NULL
ORDER BY next_retry_at ASC
LIMIT $1`, itemColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("upcoming retries: %w", err)
	}
	return collectItems(rows)
}

// ReclaimStuck returns stale running items to pending without touching
// retry_count.
func (s *Store) ReclaimStuck(ctx context.Context, cutoff time.Time, _ time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE queue_items
SET status = 'pending', started_at = NULL,
    error_type = 'infrastructure_error', error_message = 'reclaimed after stuck-threshold'
WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanItem(row pgx.Row) (queue.QueueItem, error) {
	var it queue.QueueItem
	var errType, errMsg *string
	if err := row.Scan(&it.ID, &it.BatchID, &it.SourceID, &it.Status, &it.Priority,
		&it.RetryCount, &it.MaxRetries, &errType, &errMsg, &it.RequiresHumanReview,
		&it.CreatedAt, &it.StartedAt, &it.CompletedAt, &it.NextRetryAt); err != nil {
		return queue.QueueItem{}, err
	}
	if errType != nil {
		it.ErrorType = queue.ErrorType(*errType)
	}
	if errMsg != nil {
		it.ErrorMessage = *errMsg
	}
	return it, nil
}

func scanItems(rows pgx.Rows) ([]queue.QueueItem, error) {
	items := make([]queue.QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func collectItems(rows pgx.Rows) ([]queue.QueueItem, error) {
	defer rows.Close()
	return scanItems(rows)
}

func scanCounts(rows pgx.Rows) (queue.StatusCounts, error) {
	defer rows.Close()
	var counts queue.StatusCounts
	for rows.Next() {
		var status string
		var n, review int
		if err := rows.Scan(&status, &n, &review); err != nil {
			return queue.StatusCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch queue.ItemStatus(status) {
		case queue.StatusPending:
			counts.Pending = n
		case queue.StatusRunning:
			counts.Running = n
		case queue.StatusCompleted:
			counts.Completed = n
		case queue.StatusFailed:
			counts.Failed = n
			counts.TerminalFailed = review
		case queue.StatusCancelled:
			counts.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return queue.StatusCounts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
