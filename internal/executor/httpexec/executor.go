// Package httpexec is an HTTP client adapter for the external Crawl
// Executor service.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/refdex/recrawl/internal/queue"
)

// Executor calls a remote crawler service over HTTP. The crawler owns its
// own timeouts; the client timeout here only guards against a hung
// connection.
type Executor struct {
	endpoint string
	client   *http.Client
}

// New constructs an Executor for the given crawler endpoint.
func New(endpoint string, timeout time.Duration) (*Executor, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("executor endpoint is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Executor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type crawlRequest struct {
	SourceID string             `json:"source_id"`
	Options  queue.CrawlOptions `json:"options"`
}

type crawlResponse struct {
	PagesCrawled      int    `json:"pages_crawled"`
	CodeExamplesFound int    `json:"code_examples_found"`
	ErrorType         string `json:"error_type,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Crawl posts the crawl request and normalizes the response into metrics or
// a classified error.
func (e *Executor) Crawl(ctx context.Context, sourceID string, opts queue.CrawlOptions) (queue.CrawlMetrics, error) {
	body, err := json.Marshal(crawlRequest{SourceID: sourceID, Options: opts})
	if err != nil {
		return queue.CrawlMetrics{}, fmt.Errorf("marshal crawl request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/crawl", bytes.NewReader(body))
	if err != nil {
		return queue.CrawlMetrics{}, fmt.Errorf("build crawl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return queue.CrawlMetrics{}, fmt.Errorf("call crawler: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		// Error bodies are decoded best effort; proxies in front of the
		// crawler answer with plain text.
		var out crawlResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return queue.CrawlMetrics{}, queue.NewError(queue.ErrTypeRateLimit, messageOr(out, "crawler rate limited"))
		case out.ErrorType != "":
			return queue.CrawlMetrics{}, queue.NewError(queue.ErrorType(out.ErrorType), messageOr(out, resp.Status))
		default:
			return queue.CrawlMetrics{}, queue.NewError(queue.ErrTypeTransientNetwork, resp.Status)
		}
	}

	var out crawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return queue.CrawlMetrics{}, queue.NewError(queue.ErrTypeParse, fmt.Sprintf("decode crawler response: %v", err))
	}

	return queue.CrawlMetrics{
		PagesCrawled:      out.PagesCrawled,
		CodeExamplesFound: out.CodeExamplesFound,
	}, nil
}

func messageOr(out crawlResponse, fallback string) string {
	if out.Message != "" {
		return out.Message
	}
	return fallback
}
