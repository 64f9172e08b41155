package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refdex/recrawl/internal/batch"
	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/metrics"
	"github.com/refdex/recrawl/internal/monitor"
	"github.com/refdex/recrawl/internal/queue"
)

// Server wires HTTP handlers to the queue store and monitor surface.
type Server struct {
	router  chi.Router
	store   queue.Store
	monitor *monitor.Monitor
	tracker *batch.Tracker
	clock   queue.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store queue.Store,
	mon *monitor.Monitor,
	tracker *batch.Tracker,
	clock queue.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		monitor: mon,
		tracker: tracker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/batches", s.enqueueBatch)
			r.Post("/cancel", s.cancelSources)
			r.Get("/items", s.listItems)
			r.Get("/batches/{batch_id}", s.getBatch)
		})
		r.Route("/monitor", func(r chi.Router) {
			r.Get("/summary", s.monitorSummary)
			r.Get("/review", s.monitorReview)
			r.Get("/stuck", s.monitorStuck)
			r.Get("/retries", s.monitorRetries)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.RunningCount(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type enqueueRequest struct {
	SourceIDs  []string       `json:"source_ids"`
	Priorities map[string]int `json:"priorities"`
}

type enqueueResponse struct {
	BatchID    string            `json:"batch_id"`
	AddedCount int               `json:"added_count"`
	Items      []queue.QueueItem `json:"items"`
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reqs, err := toEnqueueItems(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.store.Enqueue(r.Context(), reqs)
	if err != nil {
		if queue.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	metrics.ObserveEnqueued(len(result.Items))
	s.logger.Info("batch enqueued",
		zap.String("batch_id", result.Batch.ID),
		zap.Int("items", len(result.Items)),
	)
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		BatchID:    result.Batch.ID,
		AddedCount: len(result.Items),
		Items:      result.Items,
	})
}

func toEnqueueItems(req enqueueRequest) ([]queue.EnqueueItem, error) {
	if len(req.SourceIDs) == 0 {
		return nil, errors.New("source_ids required")
	}
	known := make(map[string]struct{}, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		known[id] = struct{}{}
	}
	for id := range req.Priorities {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("priority for unknown source %q", id)
		}
	}
	items := make([]queue.EnqueueItem, 0, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		priority, ok := req.Priorities[id]
		if !ok {
			priority = queue.PriorityNormal
		}
		items = append(items, queue.EnqueueItem{SourceID: id, Priority: priority})
	}
	return items, nil
}

type cancelRequest struct {
	SourceIDs []string `json:"source_ids"`
}

func (s *Server) cancelSources(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.SourceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "source_ids required")
		return
	}
	cancelled, err := s.store.CancelSources(r.Context(), req.SourceIDs, s.clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, item := range cancelled {
		if _, err := s.tracker.OnItemTransition(r.Context(), item); err != nil {
			s.logger.Error("batch update after cancel failed",
				zap.String("batch_id", item.BatchID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled_count": len(cancelled),
		"items":           cancelled,
	})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		Status:   queue.ItemStatus(q.Get("status")),
		BatchID:  q.Get("batch_id"),
		SourceID: q.Get("source_id"),
		Order:    queue.OrderNewestFirst,
		Limit:    intParam(q.Get("per_page"), 50),
	}
	if q.Get("order") == string(queue.OrderPriority) {
		filter.Order = queue.OrderPriority
	}
	page := intParam(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	filter.Offset = (page - 1) * filter.Limit

	items, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"page":     page,
		"per_page": filter.Limit,
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	b, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	counts, err := s.store.BatchCounts(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    b,
		"counts":   counts,
		"progress": b.Progress(),
	})
}

func (s *Server) monitorSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.monitor.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) monitorReview(w http.ResponseWriter, r *http.Request) {
	items, err := s.monitor.ReviewQueue(r.Context(), intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) monitorStuck(w http.ResponseWriter, r *http.Request) {
	items, err := s.monitor.StuckItems(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) monitorRetries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.monitor.RetrySchedule(r.Context(), intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retries": entries})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
