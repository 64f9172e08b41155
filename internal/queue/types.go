// Package queue defines the core queue domain types shared across subsystems.
package queue

import "time"

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

// Item status values persisted in the queue store.
const (
	StatusPending   ItemStatus = "pending"
	StatusRunning   ItemStatus = "running"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

// BatchStatus represents the derived state of a batch.
type BatchStatus string

// Batch status values; derived from item states, never set directly.
const (
	BatchPending       BatchStatus = "pending"
	BatchRunning       BatchStatus = "running"
	BatchCompleted     BatchStatus = "completed"
	BatchFailedPartial BatchStatus = "failed-partial"
)

// Priority bands recognized by consuming UIs.
const (
	PriorityNormal   = 50
	PriorityElevated = 100
	PriorityHigh     = 200
)

// DefaultMaxRetries applies when no override is configured.
const DefaultMaxRetries = 3

// QueueItem is one re-crawl request tracked by the scheduler.
type QueueItem struct {
	ID                  string     `json:"item_id"`
	BatchID             string     `json:"batch_id"`
	SourceID            string     `json:"source_id"`
	Status              ItemStatus `json:"status"`
	Priority            int        `json:"priority"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	ErrorType           ErrorType  `json:"error_type,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
}

// Terminal reports whether the item can no longer change state on its own.
func (i QueueItem) Terminal() bool {
	switch i.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return i.RequiresHumanReview
	default:
		return false
	}
}

// Eligible reports whether the scheduler may claim the item at the given time.
func (i QueueItem) Eligible(now time.Time) bool {
	if i.Status == StatusPending {
		return true
	}
	return i.Status == StatusFailed &&
		i.NextRetryAt != nil && !i.NextRetryAt.After(now) &&
		i.RetryCount < i.MaxRetries
}

// Batch groups queue items enqueued together for progress tracking.
type Batch struct {
	ID             string      `json:"batch_id"`
	Status         BatchStatus `json:"status"`
	TotalItems     int         `json:"total_items"`
	CompletedItems int         `json:"completed_items"`
	FailedItems    int         `json:"failed_items"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Progress returns percent complete; an empty batch is vacuously complete.
func (b Batch) Progress() float64 {
	if b.TotalItems == 0 {
		return 100
	}
	return float64(b.CompletedItems+b.FailedItems) / float64(b.TotalItems) * 100
}

// EnqueueItem is one source requested in an enqueue call.
type EnqueueItem struct {
	SourceID string
	Priority int
}

// EnqueueResult is returned by a successful enqueue.
type EnqueueResult struct {
	Batch Batch
	Items []QueueItem
}

// CrawlOptions are forwarded to the Crawl Executor with each dispatch.
type CrawlOptions struct {
	Attempt    int               `json:"attempt"`
	Priority   int               `json:"priority"`
	Tags       map[string]string `json:"tags,omitempty"`
	MaxRuntime time.Duration     `json:"-"`
}

// CrawlMetrics is reported by the Crawl Executor on success.
type CrawlMetrics struct {
	PagesCrawled      int `json:"pages_crawled"`
	CodeExamplesFound int `json:"code_examples_found"`
}

// StatusCounts is a histogram of item statuses. TerminalFailed is the subset
// of Failed that exhausted retries; the remainder is retry-scheduled and
// still in flight.
type StatusCounts struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TerminalFailed int `json:"terminal_failed"`
	Cancelled      int `json:"cancelled"`
}

// Total returns the sum across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Cancelled
}

// ListOrder selects the sort applied by List.
type ListOrder string

// Supported list orders.
const (
	OrderNewestFirst ListOrder = "newest"
	OrderPriority    ListOrder = "priority"
)

// ListFilter narrows and paginates List results.
type ListFilter struct {
	Status   ItemStatus
	BatchID  string
	SourceID string
	Order    ListOrder
	Offset   int
	Limit    int
}
