package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/gocolly/colly/v2"
)

// ListingPage is the short-lived handle for one walked listing page.
type ListingPage struct {
	Number int
	URLs   []string
}

// WalkResult is the outcome of a listing walk.
type WalkResult struct {
	URLs     map[string]struct{}
	Pages    int
	Failures int
}

// Sorted returns the discovered URLs in lexical order.
func (r *WalkResult) Sorted() []string {
	out := make([]string, 0, len(r.URLs))
	for u := range r.URLs {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Walker discovers item URLs from the paginated listing with a synchronous
// colly collector, one page at a time.
type Walker struct {
	cfg       *config.Config
	base      *url.URL
	collector *colly.Collector
	Metrics   *Metrics
	logger    *slog.Logger
}

// NewWalker builds a walker configured from cfg.
func NewWalker(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*Walker, error) {
	parsed, err := url.Parse(cfg.ListingURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("listing url must include a host")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("parse base url %q: must be absolute", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if cfg.ListingDelay > 0 {
		if err := collector.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 1,
			Delay:       cfg.ListingDelay,
		}); err != nil {
			return nil, fmt.Errorf("configure listing delay: %w", err)
		}
	}

	return &Walker{
		cfg:       cfg,
		base:      base,
		collector: collector,
		Metrics:   metrics,
		logger:    logger,
	}, nil
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (w *Walker) WithTransport(rt http.RoundTripper) {
	w.collector.WithTransport(rt)
}

// PageURL returns the listing URL of the given 1-based page.
func (w *Walker) PageURL(page int) string {
	u, err := url.Parse(w.cfg.ListingURL)
	if err != nil {
		return w.cfg.ListingURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// Walk requests listing pages 1..maxPages in order and collects the item
// URLs they reference. A page that fails to load is logged and skipped.
func (w *Walker) Walk(ctx context.Context, maxPages int) (*WalkResult, error) {
	result := &WalkResult{URLs: make(map[string]struct{})}
	if maxPages <= 0 {
		return result, nil
	}

	c := w.collector.Clone()
	var current *ListingPage
	c.OnHTML(w.cfg.Selectors.WithDefaults().ListingAnchor, func(e *colly.HTMLElement) {
		if current == nil {
			return
		}
		href := e.Attr("href")
		if href == "" {
			return
		}
		abs := w.resolve(href)
		if abs == "" {
			return
		}
		current.URLs = append(current.URLs, abs)
	})
	c.OnRequest(func(r *colly.Request) {
		w.Metrics.IncRequest("listing")
	})

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("walk listing: %w", err)
		}

		current = &ListingPage{Number: page}
		pageURL := w.PageURL(page)
		if err := c.Visit(pageURL); err != nil {
			result.Failures++
			w.Metrics.IncListingPage("failed")
			w.logger.Warn("listing page failed",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.Any("error", err),
			)
			continue
		}

		result.Pages++
		w.Metrics.IncListingPage("ok")
		added := 0
		for _, u := range current.URLs {
			if _, ok := result.URLs[u]; ok {
				continue
			}
			result.URLs[u] = struct{}{}
			added++
		}
		w.logger.Debug("listing page walked",
			slog.Int("page", page),
			slog.Int("anchors", len(current.URLs)),
			slog.Int("new_urls", added),
		)
	}

	return result, nil
}

// resolve turns an anchor href into a canonical item URL relative to the
// site's base URL.
func (w *Walker) resolve(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return canonicalURL(w.base.ResolveReference(ref).String())
}

// canonicalURL drops the query string and fragment from an absolute URL.
func canonicalURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
