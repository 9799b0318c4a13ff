package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/aluiziolira/go-book-ingest/parser"
	"github.com/jarcoal/httpmock"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "gone", err: nil, statusCode: http.StatusGone, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: nil, statusCode: http.StatusBadGateway, expected: "server"},
		{name: "malformed page", err: fmt.Errorf("extract: %w", parser.ErrNotItemPage), statusCode: 0, expected: "malformed_page"},
		{name: "canceled", err: context.Canceled, statusCode: 0, expected: "canceled"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: ErrTimeout{Err: context.DeadlineExceeded}, want: true},
		{err: ErrConnection{Err: errors.New("reset")}, want: true},
		{err: ErrRateLimited{Err: errors.New("429")}, want: true},
		{err: ErrServer{Err: errors.New("503")}, want: true},
		{err: ErrMalformedPage{Err: parser.ErrNotItemPage}, want: true},
		{err: ErrNotFound{Err: errors.New("404")}, want: false},
		{err: ErrForbidden{Err: errors.New("403")}, want: false},
		{err: context.Canceled, want: false},
		{err: errors.New("bad url"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFetcherBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	f := NewFetcher(cfg, nil, NewMetrics(), discardLogger())

	if delay := f.backoff(1); delay != 200*time.Millisecond {
		t.Fatalf("first delay = %v, want 200ms", delay)
	}
	if delay := f.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}

	cfg.RetryBackoff = 0
	if delay := f.backoff(3); delay != 0 {
		t.Fatalf("zero backoff should disable the pause, got %v", delay)
	}
}

func TestFetcherBackoffDoesNotOverflow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Second
	f := NewFetcher(cfg, nil, NewMetrics(), discardLogger())

	for _, attempt := range []int{30, 35, 40, 64, 100} {
		if delay := f.backoff(attempt); delay != cfg.RetryBackoffMax {
			t.Fatalf("backoff(%d) = %v, want cap %v", attempt, delay, cfg.RetryBackoffMax)
		}
	}

	cfg.RetryBackoffMax = 0
	for _, attempt := range []int{35, 64, 100} {
		if delay := f.backoff(attempt); delay <= 0 {
			t.Fatalf("uncapped backoff(%d) = %v, want positive", attempt, delay)
		}
	}
}

func TestFetchSuccess(t *testing.T) {
	f, transport := newTestFetcher(t, 3)
	url := "http://example.test/book/show/2767052-the-hunger-games"
	transport.RegisterResponder("GET", url, htmlResponder(bookPageHTML("The Hunger Games", "1,234 ratings")))

	out := f.Fetch(context.Background(), url)
	if !out.Succeeded() {
		t.Fatalf("expected success, got state=%s err=%v", out.State, out.Err)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", out.Attempts)
	}
	if out.Book.ID != 2767052 {
		t.Fatalf("id = %d, want 2767052", out.Book.ID)
	}
	if out.Book.RatingCount == nil || *out.Book.RatingCount != 1234 {
		t.Fatalf("rating count = %v, want 1234", out.Book.RatingCount)
	}
}

func TestFetchRetriesExhausted(t *testing.T) {
	const maxRetries = 3
	f, transport := newTestFetcher(t, maxRetries)
	url := "http://example.test/book/show/9"

	var calls atomic.Int32
	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
	})

	out := f.Fetch(context.Background(), url)
	if out.State != StateFailed {
		t.Fatalf("state = %s, want failed", out.State)
	}
	if out.Book != nil {
		t.Fatalf("failed outcome should carry no record")
	}
	if out.Attempts != maxRetries || int(calls.Load()) != maxRetries {
		t.Fatalf("attempts=%d calls=%d, want %d", out.Attempts, calls.Load(), maxRetries)
	}
	if got := f.Retries(); got != maxRetries-1 {
		t.Fatalf("retries = %d, want %d", got, maxRetries-1)
	}
	if ErrorLabel(out.Err) != "server" {
		t.Fatalf("last error label = %q, want server", ErrorLabel(out.Err))
	}
}

func TestFetchMalformedPageRetried(t *testing.T) {
	f, transport := newTestFetcher(t, 3)
	url := "http://example.test/book/show/77-flaky"

	var calls atomic.Int32
	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return htmlResponse("<html><body><p>Something went wrong</p></body></html>"), nil
		}
		return htmlResponse(bookPageHTML("Flaky", "")), nil
	})

	out := f.Fetch(context.Background(), url)
	if !out.Succeeded() {
		t.Fatalf("expected success after retry, got %s: %v", out.State, out.Err)
	}
	if out.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", out.Attempts)
	}
	if out.Book.RatingCount != nil {
		t.Fatalf("missing count element should leave rating_count nil")
	}
}

func TestFetchMalformedPageExhaustsAttempts(t *testing.T) {
	maxRetries := config.DefaultConfig().MaxRetries
	f, transport := newTestFetcher(t, maxRetries)
	url := "http://example.test/book/show/78-broken"

	var calls atomic.Int32
	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return htmlResponse("<html><body><p>Something went wrong</p></body></html>"), nil
	})

	out := f.Fetch(context.Background(), url)
	if out.State != StateFailed {
		t.Fatalf("state = %s, want failed", out.State)
	}
	if int(calls.Load()) != maxRetries || out.Attempts != maxRetries {
		t.Fatalf("calls=%d attempts=%d, want %d", calls.Load(), out.Attempts, maxRetries)
	}
	if ErrorLabel(out.Err) != "malformed_page" {
		t.Fatalf("label = %q, want malformed_page", ErrorLabel(out.Err))
	}
}

func TestFetchTimeoutRetried(t *testing.T) {
	f, transport := newTestFetcher(t, 2)
	url := "http://example.test/book/show/5"

	var calls atomic.Int32
	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, context.DeadlineExceeded
		}
		return htmlResponse(bookPageHTML("Slow Book", "10 ratings")), nil
	})

	out := f.Fetch(context.Background(), url)
	if !out.Succeeded() || out.Attempts != 2 {
		t.Fatalf("state=%s attempts=%d err=%v", out.State, out.Attempts, out.Err)
	}
}

func TestFetchNotFoundNotRetried(t *testing.T) {
	f, transport := newTestFetcher(t, 5)
	url := "http://example.test/book/show/404-removed"

	var calls atomic.Int32
	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
	})

	out := f.Fetch(context.Background(), url)
	if out.State != StateFailed || calls.Load() != 1 {
		t.Fatalf("state=%s calls=%d, want failed after one call", out.State, calls.Load())
	}
	if ErrorLabel(out.Err) != "not_found" {
		t.Fatalf("label = %q, want not_found", ErrorLabel(out.Err))
	}
}

func TestFetchCanceledContext(t *testing.T) {
	f, transport := newTestFetcher(t, 3)
	url := "http://example.test/book/show/1"
	transport.RegisterResponder("GET", url, htmlResponder(bookPageHTML("Never", "")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.Fetch(ctx, url)
	if out.State != StateFailed || out.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d, want failed after one attempt", out.State, out.Attempts)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("canceled fetch should not reach the network")
	}
}

func TestSharedLimiterCapsAdmissions(t *testing.T) {
	const (
		perSecond = 40
		total     = 70
	)

	cfg := testConfig(1)
	rec := &recordingLimiter{inner: NewLimiter(perSecond, 1)}
	f := NewFetcher(cfg, rec, NewMetrics(), discardLogger())
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(htmlResponder(bookPageHTML("Any", "1 ratings")))
	f.WithTransport(transport)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Fetch(context.Background(), fmt.Sprintf("http://example.test/book/show/%d", i+1))
		}(i)
	}
	wg.Wait()

	admitted := rec.snapshot()
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	if len(admitted) != total {
		t.Fatalf("admitted = %d, want %d", len(admitted), total)
	}
	const slack = 2
	for i := range admitted {
		inWindow := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < time.Second; j++ {
			inWindow++
		}
		if inWindow > perSecond+slack {
			t.Fatalf("window starting at %d admitted %d requests, ceiling %d", i, inWindow, perSecond)
		}
	}
}

func TestWalkerCollectsURLSet(t *testing.T) {
	cfg := testConfig(1)
	cfg.ListingURL = "http://example.test/list"

	w, err := NewWalker(cfg, NewMetrics(), discardLogger())
	if err != nil {
		t.Fatalf("new walker: %v", err)
	}
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/list?page=1",
		htmlResponder(listingPageHTML("/book/show/1-first", "/book/show/2-second?from_search=true")))
	transport.RegisterResponder("GET", "http://example.test/list?page=2",
		htmlResponder(listingPageHTML("/book/show/2-second", "https://example.test/book/show/3-third")))
	w.WithTransport(transport)

	result, err := w.Walk(context.Background(), 2)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	want := []string{
		"http://example.test/book/show/1-first",
		"http://example.test/book/show/2-second",
		"https://example.test/book/show/3-third",
	}
	got := result.Sorted()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("urls = %v, want %v", got, want)
	}
	if result.Pages != 2 || result.Failures != 0 {
		t.Fatalf("pages=%d failures=%d", result.Pages, result.Failures)
	}
}

func TestWalkerContinuesAfterFailedPage(t *testing.T) {
	cfg := testConfig(1)
	cfg.ListingURL = "http://example.test/list"

	w, err := NewWalker(cfg, NewMetrics(), discardLogger())
	if err != nil {
		t.Fatalf("new walker: %v", err)
	}
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/list?page=1",
		htmlResponder(listingPageHTML("/book/show/1-first")))
	transport.RegisterResponder("GET", "http://example.test/list?page=2",
		httpmock.NewStringResponder(http.StatusInternalServerError, ""))
	transport.RegisterResponder("GET", "http://example.test/list?page=3",
		htmlResponder(listingPageHTML("/book/show/3-third")))
	w.WithTransport(transport)

	result, err := w.Walk(context.Background(), 3)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(result.URLs) != 2 {
		t.Fatalf("urls = %v, want 2", result.Sorted())
	}
	if result.Failures != 1 || result.Pages != 2 {
		t.Fatalf("pages=%d failures=%d, want 2/1", result.Pages, result.Failures)
	}
}

func TestWalkerResolvesAgainstBaseURL(t *testing.T) {
	cfg := testConfig(1)
	cfg.BaseURL = "https://books.example.test"
	cfg.ListingURL = "http://lists.example.test/list"

	w, err := NewWalker(cfg, NewMetrics(), discardLogger())
	if err != nil {
		t.Fatalf("new walker: %v", err)
	}
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://lists.example.test/list?page=1",
		htmlResponder(listingPageHTML("/book/show/1-first", "http://elsewhere.test/book/show/2")))
	w.WithTransport(transport)

	result, err := w.Walk(context.Background(), 1)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := "http://elsewhere.test/book/show/2,https://books.example.test/book/show/1-first"
	if got := strings.Join(result.Sorted(), ","); got != want {
		t.Fatalf("urls = %s, want %s", got, want)
	}
}

func TestWalkerPageURL(t *testing.T) {
	cfg := testConfig(1)
	cfg.ListingURL = "https://www.goodreads.com/list/show/1.Best_Books_Ever"
	w, err := NewWalker(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("new walker: %v", err)
	}
	if got := w.PageURL(3); got != "https://www.goodreads.com/list/show/1.Best_Books_Ever?page=3" {
		t.Fatalf("page url = %q", got)
	}
}

type recordingLimiter struct {
	inner Limiter
	mu    sync.Mutex
	times []time.Time
}

func (r *recordingLimiter) Wait(ctx context.Context) error {
	if err := r.inner.Wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	return nil
}

func (r *recordingLimiter) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.times))
	copy(out, r.times)
	return out
}

func testConfig(maxRetries int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.ListingURL = "http://example.test/list"
	cfg.MaxRetries = maxRetries
	cfg.RateLimit = 1000
	cfg.RetryBackoff = 0
	cfg.RetryBackoffMax = 0
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestFetcher(t *testing.T, maxRetries int) (*Fetcher, *httpmock.MockTransport) {
	t.Helper()
	cfg := testConfig(maxRetries)
	f := NewFetcher(cfg, NewLimiter(cfg.RateLimit, cfg.RateBurst), NewMetrics(), discardLogger())
	transport := httpmock.NewMockTransport()
	f.WithTransport(transport)
	return f, transport
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func htmlResponse(body string) *http.Response {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return resp
}

func htmlResponder(body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		return htmlResponse(body), nil
	}
}

func bookPageHTML(title, ratings string) string {
	var builder strings.Builder
	builder.WriteString("<html><body>")
	fmt.Fprintf(&builder, "<h1 class=\"Text Text__title1\">%s</h1>", title)
	builder.WriteString("<span class=\"ContributorLink__name\">Test Author</span>")
	builder.WriteString("<div class=\"RatingStatistics__rating\">4.10</div>")
	if ratings != "" {
		fmt.Fprintf(&builder, "<span data-testid=\"ratingsCount\">%s</span>", ratings)
	}
	builder.WriteString("<div class=\"DetailsLayoutRightParagraph__widthConstrained\">A description.</div>")
	builder.WriteString("</body></html>")
	return builder.String()
}

func listingPageHTML(hrefs ...string) string {
	var builder strings.Builder
	builder.WriteString("<html><body><table>")
	for _, href := range hrefs {
		builder.WriteString("<tr itemtype=\"http://schema.org/Book\"><td>")
		fmt.Fprintf(&builder, "<a class=\"bookTitle\" href=\"%s\"><span>Title</span></a>", href)
		builder.WriteString("<a class=\"authorName\" href=\"/author/show/1\">Author</a>")
		builder.WriteString("</td></tr>")
	}
	builder.WriteString("</table></body></html>")
	return builder.String()
}
