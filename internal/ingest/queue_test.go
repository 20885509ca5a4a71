package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) File(path string) (*extract.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Result{Text: f.text, Method: extract.MethodNative, PageCount: 1, Tokens: extract.EstimateTokens(f.text)}, nil
}

type extraction struct {
	method string
	path   *string
	tokens int
}

type fakeStore struct {
	mu      sync.Mutex
	updates map[int64]extraction
}

func (f *fakeStore) UpdateDocumentExtraction(ctx context.Context, id int64, method string, textPath *string, tokens int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[int64]extraction)
	}
	f.updates[id] = extraction{method, textPath, tokens}
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	stored []*cache.CachedText
}

func (f *fakeCache) Store(ctx context.Context, text *cache.CachedText) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, text)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	ready  []int64
	failed []int64
}

func (f *fakeNotifier) DocumentReady(docID int64, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, docID)
}

func (f *fakeNotifier) DocumentFailed(docID int64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, docID)
}

func TestQueueProcessesJobs(t *testing.T) {
	outDir := t.TempDir()
	docs := &fakeStore{}
	textCache := &fakeCache{}
	notifier := &fakeNotifier{}

	q := NewQueue(&Config{Workers: 2, QueueSize: 4, OutputDir: outDir},
		&fakeExtractor{text: "Contraente Mario Rossi"}, docs, textCache, notifier, zap.NewNop())
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{DocumentID: 1, Path: "a.pdf", StoredFilename: "aaa.pdf"}))
	require.NoError(t, q.Enqueue(Job{DocumentID: 2, Path: "b.pdf", StoredFilename: "bbb.pdf"}))
	q.Stop()

	require.Len(t, docs.updates, 2)
	update := docs.updates[1]
	assert.Equal(t, extract.MethodNative, update.method)
	require.NotNil(t, update.path)
	assert.Equal(t, filepath.Join(outDir, "aaa.txt"), *update.path)

	data, err := os.ReadFile(*update.path)
	require.NoError(t, err)
	assert.Equal(t, "Contraente Mario Rossi", string(data))

	assert.Len(t, textCache.stored, 2)
	assert.ElementsMatch(t, []int64{1, 2}, notifier.ready)
	assert.Equal(t, Stats{Queued: 2, Completed: 2}, q.GetStats())
}

func TestQueueRecordsFailures(t *testing.T) {
	docs := &fakeStore{}
	notifier := &fakeNotifier{}

	q := NewQueue(&Config{Workers: 1, QueueSize: 1, OutputDir: t.TempDir()},
		&fakeExtractor{err: errors.New("broken pdf")}, docs, nil, notifier, zap.NewNop())
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{DocumentID: 5, Path: "x.pdf", StoredFilename: "x.pdf"}))
	q.Stop()

	assert.Equal(t, store.MethodError, docs.updates[5].method)
	assert.Nil(t, docs.updates[5].path)
	assert.Equal(t, []int64{5}, notifier.failed)
	assert.Equal(t, int64(1), q.GetStats().Failed)
}

func TestQueueFullAndStopped(t *testing.T) {
	q := NewQueue(&Config{Workers: 1, QueueSize: 1, OutputDir: t.TempDir()},
		&fakeExtractor{text: "x"}, &fakeStore{}, nil, nil, zap.NewNop())

	// workers not started, so the single slot stays taken
	require.NoError(t, q.Enqueue(Job{DocumentID: 1}))
	assert.ErrorIs(t, q.Enqueue(Job{DocumentID: 2}), ErrQueueFull)

	q.Start(context.Background())
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(Job{DocumentID: 3}), ErrStopped)
}
