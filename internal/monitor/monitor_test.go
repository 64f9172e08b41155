package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/queue"
	"github.com/refdex/recrawl/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

type staticSettings struct{ s config.Settings }

func (ss staticSettings) Snapshot() config.Settings { return ss.s }

func newMonitor() (*Monitor, *memory.Store, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := memory.New(&seqIDs{}, clock, 3)
	settings := staticSettings{s: config.Settings{StuckThreshold: 30 * time.Minute}}
	return New(store, clock, settings), store, clock
}

func TestSummaryReportsBacklogs(t *testing.T) {
	t.Parallel()

	mon, store, clock := newMonitor()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, []queue.EnqueueItem{
		{SourceID: "pending"},
		{SourceID: "stuck", Priority: queue.PriorityHigh},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 1, clock.Now())
	require.NoError(t, err)
	require.Equal(t, "stuck", claimed[0].SourceID)
	clock.Advance(45 * time.Minute)

	s, err := mon.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Counts.Pending)
	require.Equal(t, 1, s.Counts.Running)
	require.Equal(t, 1, s.StuckRunning)
	require.Zero(t, s.ReviewBacklog)
	require.Equal(t, "30m0s", s.StuckThreshold)
	require.Equal(t, clock.Now(), s.GeneratedAt)
}

func TestStuckItemsHonorsThreshold(t *testing.T) {
	t.Parallel()

	mon, store, clock := newMonitor()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, []queue.EnqueueItem{{SourceID: "a"}})
	require.NoError(t, err)
	_, err = store.Claim(ctx, 1, clock.Now())
	require.NoError(t, err)

	items, err := mon.StuckItems(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	clock.Advance(31 * time.Minute)
	items, err = mon.StuckItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestRetrySchedule(t *testing.T) {
	t.Parallel()

	mon, store, clock := newMonitor()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, []queue.EnqueueItem{{SourceID: "flaky"}})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 1, clock.Now())
	require.NoError(t, err)

	outcome := queue.Outcome{
		ErrorType:   queue.ErrTypeRateLimit,
		RetryDelays: queue.DefaultRetryDelays,
	}
	_, err = store.Complete(ctx, claimed[0].ID, outcome)
	require.NoError(t, err)

	entries, err := mon.RetrySchedule(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "flaky", entries[0].SourceID)
	require.Equal(t, queue.ErrTypeRateLimit, entries[0].ErrorType)
	require.Equal(t, 1, entries[0].RetryCount)
	require.Equal(t, "1m0s", entries[0].DueIn)

	// Past-due retries clamp to zero instead of going negative.
	clock.Advance(2 * time.Minute)
	entries, err = mon.RetrySchedule(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "0s", entries[0].DueIn)
}

func TestReviewQueueOldestFirst(t *testing.T) {
	t.Parallel()

	mon, store, clock := newMonitor()
	ctx := context.Background()

	for _, src := range []string{"first", "second"} {
		_, err := store.Enqueue(ctx, []queue.EnqueueItem{{SourceID: src}})
		require.NoError(t, err)
		claimed, err := store.Claim(ctx, 1, clock.Now())
		require.NoError(t, err)

		fail := queue.Outcome{ErrorType: queue.ErrTypeParse, RetryDelays: queue.DefaultRetryDelays}
		id := claimed[0].ID
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				clock.Advance(time.Hour)
				again, err := store.Claim(ctx, 1, clock.Now())
				require.NoError(t, err)
				require.Len(t, again, 1)
			}
			_, err := store.Complete(ctx, id, fail)
			require.NoError(t, err)
		}
		clock.Advance(time.Minute)
	}

	items, err := mon.ReviewQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "first", items[0].SourceID)
	require.Equal(t, "second", items[1].SourceID)
}
