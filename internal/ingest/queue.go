package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

// ErrQueueFull is returned by Enqueue when no slot is free
var ErrQueueFull = errors.New("ingest queue is full")

// ErrStopped is returned by Enqueue after Stop
var ErrStopped = errors.New("ingest queue is stopped")

// Job asks for the text of one uploaded file to be extracted
type Job struct {
	DocumentID     int64
	Path           string
	StoredFilename string
}

// Extractor turns a file into text
type Extractor interface {
	File(path string) (*extract.Result, error)
}

// DocumentStore records extraction outcomes
type DocumentStore interface {
	UpdateDocumentExtraction(ctx context.Context, id int64, method string, textPath *string, tokens int) error
}

// TextCache keeps extracted text close at hand
type TextCache interface {
	Store(ctx context.Context, text *cache.CachedText) error
}

// Notifier is told when a document finishes processing
type Notifier interface {
	DocumentReady(docID int64, tokens int)
	DocumentFailed(docID int64, reason string)
}

// Stats counts processed jobs
type Stats struct {
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Config contains queue configuration
type Config struct {
	Workers   int
	QueueSize int
	OutputDir string
}

// Queue runs text extraction on a fixed pool of workers
type Queue struct {
	config    *Config
	extractor Extractor
	store     DocumentStore
	cache     TextCache
	notifier  Notifier
	logger    *zap.Logger

	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	stats   Stats
}

// NewQueue creates a queue. cache and notifier may be nil.
func NewQueue(config *Config, extractor Extractor, docs DocumentStore, textCache TextCache, notifier Notifier, logger *zap.Logger) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	return &Queue{
		config:    config,
		extractor: extractor,
		store:     docs,
		cache:     textCache,
		notifier:  notifier,
		logger:    logger,
		jobs:      make(chan Job, config.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.logger.Info("Ingest queue started",
		zap.Int("workers", q.config.Workers),
		zap.Int("queue_size", q.config.QueueSize))
}

// Enqueue schedules a job without blocking
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	select {
	case q.jobs <- job:
		q.stats.Queued++
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for queued ones to drain
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("Ingest queue stopped")
}

// GetStats returns a copy of the job counters
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job, id)
		}
	}
}

// process extracts one file and records the outcome
func (q *Queue) process(ctx context.Context, job Job, worker int) {
	start := time.Now()
	log := q.logger.With(zap.Int64("document_id", job.DocumentID), zap.Int("worker", worker))

	result, textPath, err := q.extract(job)
	if err != nil {
		log.Error("Text extraction failed", zap.Error(err))
		if uerr := q.store.UpdateDocumentExtraction(ctx, job.DocumentID, store.MethodError, nil, 0); uerr != nil {
			log.Error("Failed to record extraction error", zap.Error(uerr))
		}
		q.count(false)
		if q.notifier != nil {
			q.notifier.DocumentFailed(job.DocumentID, err.Error())
		}
		return
	}

	if err := q.store.UpdateDocumentExtraction(ctx, job.DocumentID, result.Method, &textPath, result.Tokens); err != nil {
		log.Error("Failed to record extraction", zap.Error(err))
		q.count(false)
		if q.notifier != nil {
			q.notifier.DocumentFailed(job.DocumentID, err.Error())
		}
		return
	}

	if q.cache != nil {
		cached := &cache.CachedText{
			DocumentID: job.DocumentID,
			Text:       result.Text,
			Method:     result.Method,
			Tokens:     result.Tokens,
		}
		if err := q.cache.Store(ctx, cached); err != nil {
			log.Warn("Failed to cache extracted text", zap.Error(err))
		}
	}

	q.count(true)
	if q.notifier != nil {
		q.notifier.DocumentReady(job.DocumentID, result.Tokens)
	}

	log.Info("Document processed",
		zap.String("method", result.Method),
		zap.Int("pages", result.PageCount),
		zap.Int("tokens", result.Tokens),
		zap.Duration("duration", time.Since(start)))
}

// extract runs the extractor and writes <output_dir>/<stored name>.txt
func (q *Queue) extract(job Job) (*extract.Result, string, error) {
	result, err := q.extractor.File(job.Path)
	if err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(q.config.OutputDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create output dir: %w", err)
	}

	base := strings.TrimSuffix(job.StoredFilename, filepath.Ext(job.StoredFilename))
	textPath := filepath.Join(q.config.OutputDir, base+".txt")
	if err := os.WriteFile(textPath, []byte(result.Text), 0o644); err != nil {
		return nil, "", fmt.Errorf("failed to write extracted text: %w", err)
	}

	return result, textPath, nil
}

func (q *Queue) count(ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ok {
		q.stats.Completed++
	} else {
		q.stats.Failed++
	}
}
