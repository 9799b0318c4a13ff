package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-book-ingest/config"
	"github.com/aluiziolira/go-book-ingest/models"
	"github.com/aluiziolira/go-book-ingest/parser"
)

var (
	// ErrPersisterClosed is returned when Append is called after Close.
	ErrPersisterClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(books []*models.Book) error
	Close() error
	Validate() error
}

// Recorder receives the number of records appended per batch.
type Recorder interface {
	AddPersisted(n int)
}

// Persister validates records, drops URLs already appended by this process
// and writes the rest to the store in batches.
type Persister struct {
	writer    OutputWriter
	batchSize int
	recorder  Recorder
	logger    *slog.Logger

	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards closed and serialises Append
	closed bool
}

// NewPersister wraps writer. recorder may be nil.
func NewPersister(writer OutputWriter, cfg *config.Config, recorder Recorder, logger *slog.Logger) (*Persister, error) {
	if writer == nil {
		return nil, errors.New("pipeline: nil writer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	cacheSize := cfg.DedupeCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	return &Persister{
		writer:    writer,
		batchSize: batchSize,
		recorder:  recorder,
		logger:    logger,
		seen:      seen,
		metrics:   newMetrics(),
	}, nil
}

// Append writes books to the store and returns how many were written. It
// stops at the first failed batch; batches written before it stay on disk.
func (p *Persister) Append(books []*models.Book) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPersisterClosed
	}

	written := 0
	batch := make([]*models.Book, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		written += len(batch)
		p.metrics.addPersisted(len(batch))
		if p.recorder != nil {
			p.recorder.AddPersisted(len(batch))
		}
		for _, book := range batch {
			p.seen.Add(book.URL, struct{}{})
		}
		batch = batch[:0]
		return nil
	}

	for _, book := range books {
		if !p.admit(book, batch) {
			continue
		}
		batch = append(batch, book)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}

	if err := flush(); err != nil {
		return written, err
	}

	p.logger.Debug("records appended", "count", written)
	return written, nil
}

// Close flushes and closes the writer. Later calls to Append fail.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.writer.Validate(); err != nil {
		p.writer.Close()
		return fmt.Errorf("validate output: %w", err)
	}
	return p.writer.Close()
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Persister) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func (p *Persister) admit(book *models.Book, pending []*models.Book) bool {
	if book == nil {
		p.metrics.addRejected("invalid_record")
		return false
	}
	if err := parser.ValidateBook(book); err != nil {
		p.metrics.addRejected("invalid_record")
		p.logger.Warn("dropping invalid record", "url", book.URL, "error", err)
		return false
	}
	if p.seen.Contains(book.URL) || inBatch(pending, book.URL) {
		p.metrics.addRejected("duplicate_url")
		return false
	}
	return true
}

func inBatch(batch []*models.Book, url string) bool {
	for _, b := range batch {
		if b.URL == url {
			return true
		}
	}
	return false
}

type metrics struct {
	mu        sync.Mutex
	persisted int64
	rejected  map[string]int
}

func newMetrics() metrics {
	return metrics{
		rejected: make(map[string]int),
	}
}

func (m *metrics) addPersisted(n int) {
	m.mu.Lock()
	m.persisted += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addRejected(kind string) {
	m.mu.Lock()
	m.rejected[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyRejected := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		copyRejected[k] = v
	}

	return map[string]interface{}{
		"persisted_books":  m.persisted,
		"rejected_records": copyRejected,
	}
}
