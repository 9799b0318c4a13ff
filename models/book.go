// Package models defines data structures for the ingestion pipeline.
package models

import "time"

// Book is one captured book detail page. Optional fields are nil when the
// source page omits the corresponding section.
type Book struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       *string   `json:"title"`
	Author      *string   `json:"author"`
	Rating      *float64  `json:"rating"`
	RatingCount *int64    `json:"rating_count"`
	ReviewCount *int64    `json:"review_count"`
	Description *string   `json:"description"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Complete reports whether the record carries both a title and a description.
func (b *Book) Complete() bool {
	return b != nil && b.Title != nil && b.Description != nil
}

// IngestResult holds the outcome of one ingestion run.
type IngestResult struct {
	StartTime time.Time
	EndTime   time.Time

	ListingPages    int
	ListingFailures int

	Discovered int
	Known      int
	Attempted  int
	Succeeded  int
	Skipped    int
	Persisted  int
	Retries    int

	ErrorsByType map[string]int
	FailedURLs   []string
}

// SuccessRate returns Succeeded/Attempted, or 0 when nothing was attempted.
func (r *IngestResult) SuccessRate() float64 {
	if r == nil || r.Attempted == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Attempted)
}

// Duration is the wall time between start and end of the run.
func (r *IngestResult) Duration() time.Duration {
	if r == nil || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
