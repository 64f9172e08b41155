// Package metrics exposes Prometheus collectors for the recrawl scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueItemsEnqueuedTotal     prometheus.Counter
	queueItemsClaimedTotal      prometheus.Counter
	queueItemsCompletedTotal    *prometheus.CounterVec
	queueRetriesScheduledTotal  prometheus.Counter
	queueReviewEscalationsTotal prometheus.Counter
	queueStuckReclaimedTotal    prometheus.Counter
	queueRunningItems           prometheus.Gauge
	admissionDeniedTotal        *prometheus.CounterVec
	schedulerTickSeconds        prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueItemsEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_items_enqueued_total",
				Help: "Total number of queue items accepted by enqueue.",
			},
		)

		queueItemsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_items_claimed_total",
				Help: "Total number of queue items claimed by the scheduler.",
			},
		)

		queueItemsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_items_completed_total",
				Help: "Total number of item completions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueRetriesScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_retries_scheduled_total",
				Help: "Total number of retry-scheduled failures.",
			},
		)

		queueReviewEscalationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_review_escalations_total",
				Help: "Total number of items escalated to human review.",
			},
		)

		queueStuckReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_stuck_reclaimed_total",
				Help: "Total number of stuck running items returned to pending.",
			},
		)

		queueRunningItems = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recrawl_running_items",
				Help: "Number of items currently dispatched to the executor.",
			},
		)

		admissionDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_admission_denied_total",
				Help: "Ticks in which admission was denied, labeled by reason.",
			},
			[]string{"reason"},
		)

		schedulerTickSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recrawl_scheduler_tick_duration_seconds",
				Help:    "Histogram of scheduler tick durations.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueued adds accepted items to the enqueue counter.
func ObserveEnqueued(count int) {
	queueItemsEnqueuedTotal.Add(float64(count))
}

// ObserveClaimed adds claimed items to the claim counter.
func ObserveClaimed(count int) {
	queueItemsClaimedTotal.Add(float64(count))
}

// ObserveCompletion increments the completion counter for the given outcome.
func ObserveCompletion(outcome string) {
	queueItemsCompletedTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetryScheduled increments the retry counter.
func ObserveRetryScheduled() {
	queueRetriesScheduledTotal.Inc()
}

// ObserveReviewEscalation increments the human-review counter.
func ObserveReviewEscalation() {
	queueReviewEscalationsTotal.Inc()
}

// ObserveStuckReclaimed adds reclaimed items to the reclaim counter.
func ObserveStuckReclaimed(count int) {
	queueStuckReclaimedTotal.Add(float64(count))
}

// SetRunningItems records the current in-flight dispatch count.
func SetRunningItems(count int) {
	queueRunningItems.Set(float64(count))
}

// ObserveAdmissionDenied increments the denial counter for the given reason.
func ObserveAdmissionDenied(reason string) {
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// ObserveTick records the duration of one scheduler tick.
func ObserveTick(duration time.Duration) {
	schedulerTickSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
