package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/aluiziolira/go-book-ingest/ingest"
	"github.com/aluiziolira/go-book-ingest/models"
	"github.com/aluiziolira/go-book-ingest/scraper"
)

func main() {
	cfg, err := buildConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	metrics := scraper.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics, logger)

	runner, err := ingest.NewRunner(cfg, logger, metrics)
	if err != nil {
		logger.Error("initialising ingestion", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting ingestion",
		slog.String("listing_url", cfg.ListingURL),
		slog.Int("pages", cfg.MaxListingPages),
		slog.Float64("rate", cfg.RateLimit),
		slog.Int("workers", cfg.Parallelism),
		slog.String("store", cfg.StorePath),
	)

	result, runErr := runner.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result != nil {
		printSummary(os.Stdout, result, cfg.StorePath)
		logger.Info("ingestion finished",
			slog.Int("discovered", result.Discovered),
			slog.Int("known", result.Known),
			slog.Int("attempted", result.Attempted),
			slog.Int("succeeded", result.Succeeded),
			slog.Float64("success_rate", result.SuccessRate()),
		)
	}
	if runErr != nil {
		logger.Error("ingestion failed", slog.Any("error", runErr))
		os.Exit(1)
	}
}

// buildConfig layers defaults, the optional YAML file, INGEST_* variables
// and explicitly set flags, in that order.
func buildConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	defaults := config.DefaultConfig()

	configPath := fs.String("config", "", "Path to a YAML config file")
	pages := fs.Int("pages", defaults.MaxListingPages, "Number of listing pages to walk")
	rate := fs.Float64("rate", defaults.RateLimit, "Item requests per second, shared by all workers")
	burst := fs.Int("burst", defaults.RateBurst, "Rate limiter burst size")
	parallel := fs.Int("parallel", defaults.Parallelism, "Maximum concurrent item fetches")
	maxRetries := fs.Int("max-retries", defaults.MaxRetries, "Total attempts per item URL")
	timeout := fs.Duration("timeout", defaults.Timeout, "Per-request timeout")
	retryBackoff := fs.Duration("retry-backoff", defaults.RetryBackoff, "Initial pause between attempts")
	retryBackoffMax := fs.Duration("retry-backoff-max", defaults.RetryBackoffMax, "Maximum pause between attempts")
	store := fs.String("store", defaults.StorePath, "JSONL store path")
	format := fs.String("format", defaults.OutputFormat, "Output format: jsonl or dual")
	csvPath := fs.String("csv", defaults.CSVPath, "CSV mirror path for dual output")
	listingURL := fs.String("listing-url", defaults.ListingURL, "Listing URL to walk")
	minSuccess := fs.Float64("min-success-rate", defaults.MinSuccessRate, "Warn when the success rate falls below this value")
	respectRobots := fs.Bool("respect-robots", defaults.RespectRobotsTxt, "Respect robots.txt on listing pages")
	metricsAddr := fs.String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", defaults.Verbose, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pages":
			cfg.MaxListingPages = *pages
		case "rate":
			cfg.RateLimit = *rate
		case "burst":
			cfg.RateBurst = *burst
		case "parallel":
			cfg.Parallelism = *parallel
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "timeout":
			cfg.Timeout = *timeout
		case "retry-backoff":
			cfg.RetryBackoff = *retryBackoff
		case "retry-backoff-max":
			cfg.RetryBackoffMax = *retryBackoffMax
		case "store":
			cfg.StorePath = *store
		case "format":
			cfg.OutputFormat = strings.ToLower(*format)
		case "csv":
			cfg.CSVPath = *csvPath
		case "listing-url":
			cfg.ListingURL = *listingURL
		case "min-success-rate":
			cfg.MinSuccessRate = *minSuccess
		case "respect-robots":
			cfg.RespectRobotsTxt = *respectRobots
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})

	return cfg, nil
}

func applyEnv(cfg *config.Config) error {
	if value, ok, err := config.EnvInt("INGEST_PAGES"); err != nil {
		return fmt.Errorf("invalid INGEST_PAGES: %w", err)
	} else if ok {
		cfg.MaxListingPages = value
	}
	if value, ok, err := config.EnvFloat("INGEST_RATE"); err != nil {
		return fmt.Errorf("invalid INGEST_RATE: %w", err)
	} else if ok {
		cfg.RateLimit = value
	}
	if value, ok := config.EnvString("INGEST_STORE"); ok {
		cfg.StorePath = value
	}
	if value, ok := config.EnvString("INGEST_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	return nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics, logger *slog.Logger) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func printSummary(w io.Writer, result *models.IngestResult, storePath string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Ingestion complete")

	fmt.Fprintf(w, "  Discovered:    %d\n", result.Discovered)
	fmt.Fprintf(w, "  Known:         %d\n", result.Known)
	fmt.Fprintf(w, "  Attempted:     %d\n", result.Attempted)
	fmt.Fprintf(w, "  Succeeded:     %d\n", result.Succeeded)
	fmt.Fprintf(w, "  Success rate:  %.2f%%\n", result.SuccessRate()*100)
	fmt.Fprintf(w, "  Skipped:       %d\n", result.Skipped)
	fmt.Fprintf(w, "  Retries:       %d\n", result.Retries)
	if result.ListingFailures > 0 {
		fmt.Fprintf(w, "  Listing fails: %d of %d\n", result.ListingFailures, result.ListingPages+result.ListingFailures)
	}
	if len(result.ErrorsByType) > 0 {
		kinds := make([]string, 0, len(result.ErrorsByType))
		for kind := range result.ErrorsByType {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, result.ErrorsByType[kind]))
		}
		fmt.Fprintf(w, "  Error types:   %s\n", strings.Join(parts, " "))
	}
	fmt.Fprintf(w, "  Duration:      %v\n", result.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Store:         %s\n", storePath)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
