// Package ingest runs one ingestion pass: walk the listing, drop URLs the
// store already holds, fetch the rest under a shared rate limit and append
// the successes to the store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/aluiziolira/go-book-ingest/dedup"
	"github.com/aluiziolira/go-book-ingest/models"
	"github.com/aluiziolira/go-book-ingest/pipeline"
	"github.com/aluiziolira/go-book-ingest/scraper"
)

// Runner wires the walker, fetcher and persister for a single run.
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *scraper.Metrics

	walker  *scraper.Walker
	fetcher *scraper.Fetcher
}

// NewRunner validates cfg and builds the components. metrics may be nil.
func NewRunner(cfg *config.Config, logger *slog.Logger, metrics *scraper.Metrics) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	walker, err := scraper.NewWalker(cfg, metrics, logger.With("component", "walker"))
	if err != nil {
		return nil, err
	}
	limiter := scraper.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	fetcher := scraper.NewFetcher(cfg, limiter, metrics, logger.With("component", "fetcher"))

	return &Runner{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		walker:  walker,
		fetcher: fetcher,
	}, nil
}

// WithTransport routes listing and item requests through rt.
func (r *Runner) WithTransport(rt http.RoundTripper) {
	r.walker.WithTransport(rt)
	r.fetcher.WithTransport(rt)
}

// Run performs one ingestion pass. Fetch failures are absorbed into the
// result; only storage errors are returned, together with the partial
// result.
func (r *Runner) Run(ctx context.Context) (*models.IngestResult, error) {
	result := &models.IngestResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}
	defer func() {
		result.EndTime = time.Now()
	}()

	walk, err := r.walker.Walk(ctx, r.cfg.MaxListingPages)
	if walk != nil {
		result.ListingPages = walk.Pages
		result.ListingFailures = walk.Failures
		result.Discovered = len(walk.URLs)
	}
	if err != nil {
		r.logger.Warn("listing walk interrupted", "error", err)
	}

	known, err := dedup.LoadKnown(r.cfg.StorePath)
	if err != nil {
		return result, fmt.Errorf("load known urls: %w", err)
	}
	if known.Skipped > 0 {
		r.logger.Warn("store has unreadable lines",
			"path", r.cfg.StorePath,
			"skipped", known.Skipped,
		)
	}

	discovered := dedup.URLSet{}
	if walk != nil {
		discovered = dedup.URLSet(walk.URLs)
	}
	candidates := dedup.Filter(discovered, known.URLs).Sorted()
	result.Known = result.Discovered - len(candidates)
	result.Attempted = len(candidates)

	r.logger.Info("fetching candidates",
		"discovered", result.Discovered,
		"known", result.Known,
		"candidates", len(candidates),
	)

	outcomes := r.fetchAll(ctx, candidates)

	books := make([]*models.Book, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Succeeded() {
			books = append(books, out.Book)
			continue
		}
		label := scraper.ErrorLabel(out.Err)
		result.ErrorsByType[label]++
		result.FailedURLs = append(result.FailedURLs, out.URL)
		r.logger.Debug("dropping failed outcome",
			"url", out.URL,
			"attempts", out.Attempts,
			"category", label,
		)
	}
	result.Succeeded = len(books)
	result.Skipped = result.Attempted - result.Succeeded
	result.Retries = r.fetcher.Retries()
	sort.Strings(result.FailedURLs)

	persisted, err := r.persist(books)
	result.Persisted = persisted
	if err != nil {
		return result, err
	}

	if result.Attempted > 0 && result.SuccessRate() < r.cfg.MinSuccessRate {
		r.logger.Warn("success rate below threshold",
			"success_rate", result.SuccessRate(),
			"threshold", r.cfg.MinSuccessRate,
		)
	}

	return result, nil
}

// fetchAll runs one task per URL, bounded by Parallelism. Tasks never
// return an error, so one failure does not cancel its siblings.
func (r *Runner) fetchAll(ctx context.Context, urls []string) []scraper.FetchOutcome {
	outcomes := make([]scraper.FetchOutcome, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, u := range urls {
		g.Go(func() error {
			outcomes[i] = r.fetcher.Fetch(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Runner) persist(books []*models.Book) (int, error) {
	writer, err := r.openWriter()
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}

	persister, err := pipeline.NewPersister(writer, r.cfg, r.metrics, r.logger.With("component", "persister"))
	if err != nil {
		writer.Close()
		return 0, err
	}

	n, appendErr := persister.Append(books)
	closeErr := persister.Close()
	if appendErr != nil {
		return n, fmt.Errorf("append records: %w", appendErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close store: %w", closeErr)
	}
	return n, nil
}

func (r *Runner) openWriter() (pipeline.OutputWriter, error) {
	switch r.cfg.OutputFormat {
	case "dual":
		return pipeline.NewDualWriter(r.cfg.StorePath, r.cfg.CSVPath)
	default:
		return pipeline.NewJSONLWriter(r.cfg.StorePath)
	}
}
