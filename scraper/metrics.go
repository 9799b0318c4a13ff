package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the ingestion run.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	ItemsScrapedTotal prometheus.Counter
	RetriesTotal      prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	LimiterWait       prometheus.Histogram
	ListingPages      *prometheus.CounterVec
	PersistedTotal    prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total HTTP requests issued, by phase.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_request_duration_seconds",
			Help:    "HTTP request latency for item fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsScraped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_items_scraped_total",
			Help: "Total number of book records extracted.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	limiterWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_limiter_wait_seconds",
			Help:    "Time spent waiting for the shared rate limiter.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	listingPages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_listing_pages_total",
			Help: "Listing pages walked, by outcome.",
		},
		[]string{"outcome"},
	)
	persisted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_records_persisted_total",
			Help: "Records appended to the store.",
		},
	)

	registry.MustRegister(requests, requestDuration, itemsScraped, retries, errorsTotal, limiterWait, listingPages, persisted)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		ItemsScrapedTotal: itemsScraped,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
		LimiterWait:       limiterWait,
		ListingPages:      listingPages,
		PersistedTotal:    persisted,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncItems increments the items scraped counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsScrapedTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveLimiterWait records time spent blocked on the limiter.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

// IncListingPage counts a walked listing page ("ok" or "failed").
func (m *Metrics) IncListingPage(outcome string) {
	if m == nil {
		return
	}
	m.ListingPages.WithLabelValues(outcome).Inc()
}

// AddPersisted adds n appended records.
func (m *Metrics) AddPersisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PersistedTotal.Add(float64(n))
}
