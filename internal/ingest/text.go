package ingest

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

// TextLookup is the read side of the text cache
type TextLookup interface {
	Get(ctx context.Context, docID int64) (*cache.CachedText, bool)
	Store(ctx context.Context, text *cache.CachedText) error
}

// TextReader returns the extracted text of a document, cache first
type TextReader struct {
	cache  TextLookup
	logger *zap.Logger
}

// NewTextReader creates a reader. textCache may be nil.
func NewTextReader(textCache TextLookup, logger *zap.Logger) *TextReader {
	return &TextReader{cache: textCache, logger: logger}
}

// Read returns the text of doc. A document whose extraction has not finished
// or failed returns store.ErrNotFound.
func (r *TextReader) Read(ctx context.Context, doc *store.Document) (string, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, doc.ID); ok {
			return cached.Text, nil
		}
	}

	if doc.ExtractedTextPath == nil || *doc.ExtractedTextPath == "" {
		return "", fmt.Errorf("text of document %d: %w", doc.ID, store.ErrNotFound)
	}

	data, err := os.ReadFile(*doc.ExtractedTextPath)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("text of document %d: %w", doc.ID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read text of document %d: %w", doc.ID, err)
	}

	text := string(data)
	if r.cache != nil {
		// refill after expiry
		if err := r.cache.Store(ctx, &cache.CachedText{
			DocumentID: doc.ID,
			Text:       text,
			Method:     doc.OCRMethod,
			Tokens:     doc.TokenCount,
		}); err != nil {
			r.logger.Debug("Failed to refill text cache", zap.Int64("document_id", doc.ID), zap.Error(err))
		}
	}

	return text, nil
}
