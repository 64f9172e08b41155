// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queue/batches and /v1/queue/cancel for batch submission and
//     source cancellation.
//   - GET /v1/queue/items and /v1/queue/batches/{batch_id} for queue
//     inspection.
//   - GET /v1/monitor/... for the review queue, stuck items, and upcoming
//     retries.
package api
