package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserversUpdateCollectors(t *testing.T) {
	Init()

	before := testutil.ToFloat64(queueItemsEnqueuedTotal)
	ObserveEnqueued(3)
	if got := testutil.ToFloat64(queueItemsEnqueuedTotal); got != before+3 {
		t.Fatalf("enqueued total = %v, want %v", got, before+3)
	}

	before = testutil.ToFloat64(queueItemsClaimedTotal)
	ObserveClaimed(2)
	if got := testutil.ToFloat64(queueItemsClaimedTotal); got != before+2 {
		t.Fatalf("claimed total = %v, want %v", got, before+2)
	}

	before = testutil.ToFloat64(queueItemsCompletedTotal.WithLabelValues("completed"))
	ObserveCompletion("completed")
	if got := testutil.ToFloat64(queueItemsCompletedTotal.WithLabelValues("completed")); got != before+1 {
		t.Fatalf("completed total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(queueRetriesScheduledTotal)
	ObserveRetryScheduled()
	if got := testutil.ToFloat64(queueRetriesScheduledTotal); got != before+1 {
		t.Fatalf("retries scheduled total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(queueReviewEscalationsTotal)
	ObserveReviewEscalation()
	if got := testutil.ToFloat64(queueReviewEscalationsTotal); got != before+1 {
		t.Fatalf("escalations total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(admissionDeniedTotal.WithLabelValues("memory"))
	ObserveAdmissionDenied("memory")
	if got := testutil.ToFloat64(admissionDeniedTotal.WithLabelValues("memory")); got != before+1 {
		t.Fatalf("admission denied total = %v, want %v", got, before+1)
	}

	SetRunningItems(4)
	if got := testutil.ToFloat64(queueRunningItems); got != 4 {
		t.Fatalf("running items gauge = %v, want 4", got)
	}

	before = testutil.ToFloat64(queueStuckReclaimedTotal)
	ObserveStuckReclaimed(2)
	if got := testutil.ToFloat64(queueStuckReclaimedTotal); got != before+2 {
		t.Fatalf("stuck reclaimed total = %v, want %v", got, before+2)
	}

	// Histograms only need to accept observations without panicking.
	ObserveTick(12 * time.Millisecond)
	ObserveHTTPRequest(http.MethodGet, "/v1/monitor/summary", http.StatusOK, 3*time.Millisecond)
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	if queueItemsEnqueuedTotal == nil {
		t.Fatal("collectors not initialized")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveEnqueued(1)

	ts := httptest.NewServer(Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
