package httpexec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refdex/recrawl/internal/queue"
)

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New("", time.Minute)
	require.Error(t, err)

	e, err := New("http://crawler:9000", 0)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestCrawlSuccess(t *testing.T) {
	t.Parallel()

	var gotReq crawlRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/crawl", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(crawlResponse{PagesCrawled: 42, CodeExamplesFound: 7})
	}))
	defer ts.Close()

	e, err := New(ts.URL, time.Minute)
	require.NoError(t, err)

	metrics, err := e.Crawl(context.Background(), "docs/sdk-go", queue.CrawlOptions{Attempt: 2, Priority: queue.PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, 42, metrics.PagesCrawled)
	require.Equal(t, 7, metrics.CodeExamplesFound)
	require.Equal(t, "docs/sdk-go", gotReq.SourceID)
	require.Equal(t, 2, gotReq.Options.Attempt)
}

func TestCrawlErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   int
		body     crawlResponse
		wantType queue.ErrorType
	}{
		{"rate limited", http.StatusTooManyRequests, crawlResponse{Message: "slow down"}, queue.ErrTypeRateLimit},
		{"classified failure", http.StatusUnprocessableEntity, crawlResponse{ErrorType: "parse_error", Message: "bad html"}, queue.ErrTypeParse},
		{"unclassified failure", http.StatusBadGateway, crawlResponse{}, queue.ErrTypeTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer ts.Close()

			e, err := New(ts.URL, time.Minute)
			require.NoError(t, err)

			_, err = e.Crawl(context.Background(), "docs/api", queue.CrawlOptions{Attempt: 1})
			require.Error(t, err)
			kind, _ := queue.Classify(err)
			require.Equal(t, tc.wantType, kind)
		})
	}
}

func TestCrawlPlainTextErrorBodyIsTransient(t *testing.T) {
	t.Parallel()

	// A proxy in front of the crawler answers with text, not JSON. The
	// status decides the classification; the body must not turn this into
	// a parse error.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("Bad Gateway\n"))
	}))
	defer ts.Close()

	e, err := New(ts.URL, time.Minute)
	require.NoError(t, err)

	_, err = e.Crawl(context.Background(), "docs/api", queue.CrawlOptions{Attempt: 1})
	require.Error(t, err)
	kind, _ := queue.Classify(err)
	require.Equal(t, queue.ErrTypeTransientNetwork, kind)
}

func TestCrawlMalformedResponseIsParseError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer ts.Close()

	e, err := New(ts.URL, time.Minute)
	require.NoError(t, err)

	_, err = e.Crawl(context.Background(), "docs/api", queue.CrawlOptions{Attempt: 1})
	require.Error(t, err)
	kind, _ := queue.Classify(err)
	require.Equal(t, queue.ErrTypeParse, kind)
}

func TestCrawlContextCancellation(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read;
		// otherwise it never notices the client disconnect and the
		// request context is never cancelled, deadlocking ts.Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer ts.Close()

	e, err := New(ts.URL, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = e.Crawl(ctx, "docs/api", queue.CrawlOptions{Attempt: 1})
	require.Error(t, err)
	kind, _ := queue.Classify(err)
	require.Equal(t, queue.ErrTypeTimeout, kind)
}
