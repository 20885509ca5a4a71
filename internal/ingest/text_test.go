package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

type memoryCache struct {
	texts map[int64]string
}

func (m *memoryCache) Get(ctx context.Context, docID int64) (*cache.CachedText, bool) {
	text, ok := m.texts[docID]
	if !ok {
		return nil, false
	}
	return &cache.CachedText{DocumentID: docID, Text: text}, true
}

func (m *memoryCache) Store(ctx context.Context, text *cache.CachedText) error {
	m.texts[text.DocumentID] = text.Text
	return nil
}

func TestTextReaderPrefersCache(t *testing.T) {
	mem := &memoryCache{texts: map[int64]string{1: "dalla cache"}}
	reader := NewTextReader(mem, zap.NewNop())

	text, err := reader.Read(context.Background(), &store.Document{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, "dalla cache", text)
}

func TestTextReaderFallsBackToFileAndRefills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("dal file"), 0o644))

	mem := &memoryCache{texts: map[int64]string{}}
	reader := NewTextReader(mem, zap.NewNop())

	text, err := reader.Read(context.Background(), &store.Document{ID: 2, ExtractedTextPath: &path})
	require.NoError(t, err)
	assert.Equal(t, "dal file", text)
	assert.Equal(t, "dal file", mem.texts[2])
}

func TestTextReaderMissingText(t *testing.T) {
	reader := NewTextReader(nil, zap.NewNop())

	_, err := reader.Read(context.Background(), &store.Document{ID: 3, OCRMethod: store.MethodProcessing})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	gone := filepath.Join(t.TempDir(), "gone.txt")
	_, err = reader.Read(context.Background(), &store.Document{ID: 4, ExtractedTextPath: &gone})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
