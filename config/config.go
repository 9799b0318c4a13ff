package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/aluiziolira/go-book-ingest/parser"
)

// Config holds ingestion configuration.
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	ListingURL      string        `yaml:"listing_url"`
	MaxListingPages int           `yaml:"max_listing_pages"`
	ListingDelay    time.Duration `yaml:"listing_delay"`

	RateLimit       float64       `yaml:"rate_limit"` // item requests per second, shared by all workers
	RateBurst       int           `yaml:"rate_burst"`
	Parallelism     int           `yaml:"parallelism"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"` // total attempts per item URL
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	StorePath       string `yaml:"store_path"`
	OutputFormat    string `yaml:"output_format"` // jsonl or dual
	CSVPath         string `yaml:"csv_path"`
	BatchSize       int    `yaml:"batch_size"`
	DedupeCacheSize int    `yaml:"dedupe_cache_size"`

	MinSuccessRate   float64          `yaml:"min_success_rate"`
	UserAgent        string           `yaml:"user_agent"`
	Verbose          bool             `yaml:"verbose"`
	RespectRobotsTxt bool             `yaml:"respect_robots_txt"`
	MetricsAddr      string           `yaml:"metrics_addr"`
	Selectors        parser.Selectors `yaml:"selectors"`
}

// DefaultConfig returns conservative defaults for the Goodreads catalog.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.goodreads.com",
		ListingURL:       "https://www.goodreads.com/list/show/1.Best_Books_Ever",
		MaxListingPages:  5,
		ListingDelay:     0,
		RateLimit:        5,
		RateBurst:        1,
		Parallelism:      16,
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		StorePath:        "data/books.jsonl",
		OutputFormat:     "jsonl",
		CSVPath:          "data/books.csv",
		BatchSize:        64,
		DedupeCacheSize:  100000,
		MinSuccessRate:   0.8,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		RespectRobotsTxt: false,
		Selectors:        parser.DefaultSelectors(),
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("listing URL", c.ListingURL); err != nil {
		return err
	}

	if c.MaxListingPages <= 0 {
		return fmt.Errorf("max listing pages must be positive")
	}
	if c.ListingDelay < 0 {
		return fmt.Errorf("listing delay cannot be negative")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	switch c.OutputFormat {
	case "jsonl":
	case "dual":
		if c.CSVPath == "" {
			return fmt.Errorf("csv path cannot be empty for dual output")
		}
		if c.CSVPath == c.StorePath {
			return fmt.Errorf("csv path must differ from store path")
		}
	default:
		return fmt.Errorf("output format must be jsonl or dual")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeCacheSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("min success rate must be between 0 and 1")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
