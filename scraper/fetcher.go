package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/aluiziolira/go-book-ingest/models"
	"github.com/aluiziolira/go-book-ingest/parser"
	"golang.org/x/time/rate"
)

// Limiter admits one request at a time under a shared throughput ceiling.
// *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token bucket admitting perSecond requests per second
// with the given burst. With burst 1 no sliding one-second window admits
// more than perSecond+1 requests.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// FetchState is the position of one URL in its retry state machine.
type FetchState int

const (
	StatePending FetchState = iota
	StateAttempting
	StateSucceeded
	StateFailed
)

func (s FetchState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FetchOutcome is the terminal result of fetching one item URL.
type FetchOutcome struct {
	URL      string
	State    FetchState
	Attempts int
	Book     *models.Book
	Err      error
}

// Succeeded reports whether a record was captured.
func (o FetchOutcome) Succeeded() bool {
	return o.State == StateSucceeded && o.Book != nil
}

// Fetcher fetches book detail pages through a shared limiter with bounded
// retries.
type Fetcher struct {
	cfg     *config.Config
	client  *http.Client
	limiter Limiter
	Metrics *Metrics
	logger  *slog.Logger

	retries atomic.Int64
}

// NewFetcher builds a fetcher. The limiter must be shared by every caller
// that should count against the same ceiling.
func NewFetcher(cfg *config.Config, limiter Limiter, metrics *Metrics, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		Metrics: metrics,
		logger:  logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.Parallelism,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.client.Transport = rt
}

// Retries returns the number of retry attempts scheduled so far.
func (f *Fetcher) Retries() int {
	return int(f.retries.Load())
}

// Fetch drives one URL from Pending to Succeeded or Failed. Every attempt
// re-enters the limiter. It never returns an error: failures are reported
// in the outcome.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (out FetchOutcome) {
	out = FetchOutcome{URL: pageURL, State: StatePending}
	defer func() {
		if r := recover(); r != nil {
			out.State = StateFailed
			out.Book = nil
			out.Err = fmt.Errorf("fetch %s: panic: %v", pageURL, r)
			f.logger.Error("fetch panicked", slog.String("url", pageURL), slog.Any("panic", r))
		}
	}()

	for out.State == StatePending || out.State == StateAttempting {
		out.State = StateAttempting
		out.Attempts++

		book, err := f.attempt(ctx, pageURL)
		if err == nil {
			out.State = StateSucceeded
			out.Book = book
			out.Err = nil
			f.Metrics.IncItems()
			if !book.Complete() {
				f.logger.Debug("captured incomplete record", slog.String("url", pageURL))
			}
			break
		}

		out.Err = err
		category := errorTypeLabel(err)
		f.Metrics.IncError(category)

		if !retryable(err) || out.Attempts >= f.cfg.MaxRetries || ctx.Err() != nil {
			out.State = StateFailed
			f.logger.Warn("skipping url",
				slog.String("url", pageURL),
				slog.Int("attempts", out.Attempts),
				slog.String("category", category),
				slog.Any("error", err),
			)
			break
		}

		f.retries.Add(1)
		f.Metrics.IncRetries()
		delay := f.backoff(out.Attempts)
		f.logger.Debug("retrying url",
			slog.String("url", pageURL),
			slog.Int("attempt", out.Attempts),
			slog.String("category", category),
			slog.Duration("backoff", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			out.State = StateFailed
			out.Err = err
		}
	}

	return out
}

func (f *Fetcher) attempt(ctx context.Context, pageURL string) (*models.Book, error) {
	waitStart := time.Now()
	if err := f.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("limiter wait: %w", err)
	}
	f.Metrics.ObserveLimiterWait(time.Since(waitStart))

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	f.Metrics.IncRequest("item")
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(err, 0)
	}
	defer resp.Body.Close()
	f.Metrics.ObserveDuration(time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, classifyError(nil, resp.StatusCode)
	}

	book, err := parser.Extract(pageURL, resp.Body, f.cfg.Selectors)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTimeout{Err: err}
		}
		return nil, classifyError(err, 0)
	}
	return book, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}

	max := f.cfg.RetryBackoffMax
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > math.MaxInt64/2 || (max > 0 && delay >= max) {
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
