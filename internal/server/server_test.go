package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/analysis"
	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/config"
	"github.com/Mao74/insurance-analyzer/internal/ingest"
	"github.com/Mao74/insurance-analyzer/internal/logger"
	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/store"
	"github.com/Mao74/insurance-analyzer/internal/websocket"
)

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	docs     map[int64]*store.Document
	analyses map[int64]*store.Analysis
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, docs: map[int64]*store.Document{}, analyses: map[int64]*store.Analysis{}}
}

func (m *memStore) InsertDocument(ctx context.Context, doc *store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.ID = m.nextID
	m.nextID++
	m.docs[doc.ID] = doc
	return nil
}

func (m *memStore) GetDocument(ctx context.Context, id int64) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %d: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

func (m *memStore) GetDocuments(ctx context.Context, ids []int64) ([]*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*store.Document
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	return store.OrderDocuments(ids, docs), nil
}

func (m *memStore) ListDocuments(ctx context.Context, limit int) ([]*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*store.Document
	for id := m.nextID - 1; id > 0; id-- {
		if doc, ok := m.docs[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (m *memStore) DeleteDocument(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memStore) GetAnalysis(ctx context.Context, id int64) (*store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, fmt.Errorf("analysis %d: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (m *memStore) DeleteAnalysis(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.analyses, id)
	return nil
}

func (m *memStore) GetStats(ctx context.Context) (*store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &store.Stats{Documents: int64(len(m.docs)), Analyses: int64(len(m.analyses))}, nil
}

type mapTexts map[int64]string

func (m mapTexts) Read(ctx context.Context, doc *store.Document) (string, error) {
	text, ok := m[doc.ID]
	if !ok {
		return "", store.ErrNotFound
	}
	return text, nil
}

type recordingQueue struct {
	jobs []ingest.Job
	err  error
}

func (q *recordingQueue) GetStats() ingest.Stats {
	return ingest.Stats{Queued: int64(len(q.jobs))}
}

func (q *recordingQueue) Enqueue(job ingest.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type recordingCache struct {
	evicted []int64
}

func (c *recordingCache) GetStats(ctx context.Context) (*cache.CacheStats, error) {
	return &cache.CacheStats{Hits: 3, Misses: 1, HitRate: 75}, nil
}

func (c *recordingCache) Delete(ctx context.Context, docID int64) error {
	c.evicted = append(c.evicted, docID)
	return nil
}

type fakeRunner struct {
	requests []analysis.Request
}

func (f *fakeRunner) Start(ctx context.Context, req analysis.Request) (*store.Analysis, error) {
	if len(req.DocumentIDs) == 0 {
		return nil, analysis.ErrNoDocuments
	}
	if req.Compare && len(req.DocumentIDs) < analysis.MinCompareDocuments {
		return nil, fmt.Errorf("%w, got %d", analysis.ErrCompareCount, len(req.DocumentIDs))
	}
	f.requests = append(f.requests, req)
	return &store.Analysis{ID: 42, Status: store.StatusAnalyzing}, nil
}

type fixture struct {
	server *Server
	store  *memStore
	texts  mapTexts
	queue  *recordingQueue
	cache  *recordingCache
	runner *fakeRunner
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Storage.UploadDir = t.TempDir()
	cfg.Storage.OutputDir = t.TempDir()
	cfg.Server.WebDir = t.TempDir()
	cfg.RateLimit.Enabled = false

	f := &fixture{
		store:  newMemStore(),
		texts:  mapTexts{},
		queue:  &recordingQueue{},
		cache:  &recordingCache{},
		runner: &fakeRunner{},
		cfg:    cfg,
	}
	f.server = New(cfg, logger.NewNop(), Deps{
		Store:    f.store,
		Texts:    f.texts,
		Cache:    f.cache,
		Queue:    f.queue,
		Analyses: f.runner,
	})
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// readyDocument stores a document whose extracted text exists on disk
func (f *fixture) readyDocument(t *testing.T, name, text string) *store.Document {
	t.Helper()
	path := filepath.Join(f.cfg.Storage.OutputDir, name+".txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	doc := &store.Document{
		OriginalFilename:  name,
		StoredFilename:    name,
		Ramo:              "rc_generale",
		OCRMethod:         store.MethodNative,
		ExtractedTextPath: &path,
	}
	require.NoError(t, f.store.InsertDocument(context.Background(), doc))
	f.texts[doc.ID] = text
	return doc
}

func multipartUpload(t *testing.T, files map[string][]byte, ramo string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	if ramo != "" {
		require.NoError(t, mw.WriteField("ramo", ramo))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	f.readyDocument(t, "polizza.pdf", "testo")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]interface{}
	decodeBody(t, rec, &info)
	assert.Equal(t, "polisight", info["name"])
	assert.Equal(t, float64(1), info["documents"])
	assert.Equal(t, true, info["cache_enabled"])
	assert.Equal(t, map[string]interface{}{"queued": float64(0), "completed": float64(0), "failed": float64(0)}, info["ingest"])

	cacheStats, ok := info["cache"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(75), cacheStats["hit_rate"])
	assert.NotContains(t, info, "websocket")
}

func TestInfoReportsHubStats(t *testing.T) {
	f := newFixture(t)
	hub := websocket.NewHub(&websocket.HubConfig{}, nil, zap.NewNop())
	f.server = New(f.cfg, logger.NewNop(), Deps{Store: f.store, Texts: f.texts, Queue: f.queue, Analyses: f.runner, Hub: hub})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]interface{}
	decodeBody(t, rec, &info)
	assert.Equal(t, float64(0), info["websocket_clients"])
	assert.Contains(t, info, "websocket")
	assert.NotContains(t, info, "cache")
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(multipartUpload(t, map[string][]byte{
		"polizza.txt": []byte("Il contraente Mario Rossi"),
		"foto.png":    {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0},
	}, "incendio"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Documents []struct {
			ID       int64  `json:"id"`
			Filename string `json:"original_filename"`
			Stored   string `json:"stored_filename"`
			Ramo     string `json:"ramo"`
			Status   string `json:"status"`
		} `json:"documents"`
		Skipped []string `json:"skipped"`
	}
	decodeBody(t, rec, &resp)

	require.Len(t, resp.Documents, 1)
	doc := resp.Documents[0]
	assert.Equal(t, "polizza.txt", doc.Filename)
	assert.Equal(t, "incendio", doc.Ramo)
	assert.Equal(t, "processing", doc.Status)
	assert.True(t, strings.HasSuffix(doc.Stored, ".txt"))
	assert.Equal(t, []string{"foto.png"}, resp.Skipped)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, doc.ID, f.queue.jobs[0].DocumentID)
	stored, err := os.ReadFile(f.queue.jobs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "Il contraente Mario Rossi", string(stored))
}

func TestUploadDefaultsRamo(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartUpload(t, map[string][]byte{"a.txt": []byte("testo")}, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "rc_generale", f.store.docs[1].Ramo)
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartUpload(t, map[string][]byte{
		"foto.png": {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0},
	}, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no valid file")
	assert.Empty(t, f.queue.jobs)
}

func TestUploadRollsBackWhenQueueFull(t *testing.T) {
	f := newFixture(t)
	f.queue.err = ingest.ErrQueueFull

	rec := f.do(multipartUpload(t, map[string][]byte{"a.txt": []byte("testo")}, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.store.docs)

	entries, err := os.ReadDir(f.cfg.Storage.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.readyDocument(t, "polizza.pdf", "testo")

	rec := f.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/documents/%d", doc.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/documents/999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestDocumentText(t *testing.T) {
	f := newFixture(t)
	doc := f.readyDocument(t, "polizza.pdf", "Il contraente Mario Rossi")

	rec := f.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/documents/%d/text", doc.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "Il contraente Mario Rossi", body["text"])
}

func TestListDocuments(t *testing.T) {
	f := newFixture(t)
	f.readyDocument(t, "a.pdf", "a")
	f.readyDocument(t, "b.pdf", "b")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var docs []map[string]interface{}
	decodeBody(t, rec, &docs)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.pdf", docs[0]["original_filename"])
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.readyDocument(t, "polizza.pdf", "testo")
	upload := filepath.Join(f.cfg.Storage.UploadDir, doc.StoredFilename)
	require.NoError(t, os.WriteFile(upload, []byte("%PDF"), 0o644))

	rec := f.do(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/documents/%d", doc.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NoFileExists(t, upload)
	assert.NoFileExists(t, *doc.ExtractedTextPath)
	assert.Equal(t, []int64{doc.ID}, f.cache.evicted)
	assert.Empty(t, f.store.docs)
}

func TestMaskingData(t *testing.T) {
	f := newFixture(t)
	a := f.readyDocument(t, "polizza.pdf", "Il contraente Mario Rossi")
	b := f.readyDocument(t, "appendice.pdf", "Appendice")

	rec := f.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/masking?ids=%d,%d", b.ID, a.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var data maskingData
	decodeBody(t, rec, &data)
	require.Len(t, data.Documents, 2)
	assert.Equal(t, "appendice.pdf", data.Documents[0].Filename)
	assert.Equal(t, "Il contraente Mario Rossi", data.Documents[1].Text)
	assert.Equal(t, fmt.Sprint(b.ID), data.Active)
	assert.True(t, data.RequireVerification)
}

func TestMaskingDataWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ready := f.readyDocument(t, "polizza.pdf", "testo")
	pending := &store.Document{OriginalFilename: "nuovo.pdf", OCRMethod: store.MethodProcessing}
	require.NoError(t, f.store.InsertDocument(context.Background(), pending))

	rec := f.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/masking?ids=%d,%d", ready.ID, pending.ID), nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMaskingDataValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/masking?ids=1,x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/masking", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/masking?ids=77", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaskingPreview(t *testing.T) {
	f := newFixture(t)

	t.Run("plain", func(t *testing.T) {
		body := `{"documents":[{"id":"1","text":"Il contraente Mario Rossi, CF RSSMRA80A01H501Z, ha stipulato la polizza POL-123."}],
			"active":"1","inputs":{"contraente":"Mario Rossi","codice_fiscale":"RSSMRA80A01H501Z","numero_polizza":"POL-123"}}`
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/masking/preview", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)

		var preview masking.Preview
		decodeBody(t, rec, &preview)
		assert.Equal(t, "Il contraente [CONTRAENTE_XXX], CF [CF_XXX], ha stipulato la polizza [POLIZZA_XXX].", preview.Text)
		assert.Equal(t, 3, preview.Count)
		assert.Equal(t, masking.ScopeNote, preview.Note)
	})

	t.Run("html", func(t *testing.T) {
		body := `{"documents":[{"id":"1","text":"<b>Mario Rossi</b>"}],"inputs":{"altri":"Mario Rossi"},"format":"html"}`
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/masking/preview", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)

		var preview masking.Preview
		decodeBody(t, rec, &preview)
		assert.Equal(t, 1, preview.Count)
		assert.Contains(t, preview.Text, "&lt;b&gt;")
		assert.Contains(t, preview.Text, `class="masked"`)
	})

	t.Run("bad format", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/masking/preview", strings.NewReader(`{"format":"pdf"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/masking/preview", strings.NewReader(`{`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/analysis/start", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestStartAnalysisRequiresVerification(t *testing.T) {
	f := newFixture(t)

	rec := f.do(formRequest(url.Values{"document_ids": {"1"}, "contraente": {"Mario Rossi"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "verified")
	assert.Empty(t, f.runner.requests)

	// skipping masking needs no verification
	rec = f.do(formRequest(url.Values{"document_ids": {"1"}, "skip_masking": {"true"}}))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStartAnalysisForm(t *testing.T) {
	f := newFixture(t)

	rec := f.do(formRequest(url.Values{
		"document_ids":   {"3,1"},
		"contraente":     {"Mario Rossi"},
		"altri":          {"Via Roma 1\nIBAN IT60X"},
		"verified":       {"on"},
		"analysis_level": {"avanzato"},
		"policy_type":    {"incendio"},
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/analysis/42", rec.Header().Get("Location"))

	require.Len(t, f.runner.requests, 1)
	req := f.runner.requests[0]
	assert.Equal(t, []int64{3, 1}, req.DocumentIDs)
	assert.Equal(t, "Mario Rossi", req.Inputs.Policyholder)
	assert.Equal(t, "Via Roma 1\nIBAN IT60X", req.Inputs.Others)
	assert.Equal(t, "avanzato", req.Level)
	assert.Equal(t, "incendio", req.PolicyType)
	assert.False(t, req.SkipMasking)
}

func TestStartAnalysisJSON(t *testing.T) {
	f := newFixture(t)

	body := `{"document_ids":[5],"inputs":{"partita_iva":"01234567890"},"verified":true,"llm_model":"gemini-2.5-pro"}`
	req := httptest.NewRequest(http.MethodPost, "/api/analysis/start", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "01234567890", f.runner.requests[0].Inputs.VATNumber)
	assert.Equal(t, "gemini-2.5-pro", f.runner.requests[0].Model)

	req = httptest.NewRequest(http.MethodPost, "/api/analysis/start", strings.NewReader(`{"verified":true}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestStartCompare(t *testing.T) {
	f := newFixture(t)

	body := `{"document_ids":[4,7],"inputs":{"indirizzo":"Via Roma 1","cap":"00100","altri":"IBAN IT60X; tel 06 1234"},"verified":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/compare/start", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/analysis/42", rec.Header().Get("Location"))

	require.Len(t, f.runner.requests, 1)
	got := f.runner.requests[0]
	assert.True(t, got.Compare)
	assert.Equal(t, []int64{4, 7}, got.DocumentIDs)
	assert.Equal(t, "Via Roma 1", got.Inputs.Address)
	assert.Equal(t, "00100", got.Inputs.PostalCode)

	// the plain analysis route never compares
	rec = f.do(formRequest(url.Values{"document_ids": {"4,7"}, "skip_masking": {"true"}, "citta": {"Roma"}}))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, f.runner.requests[1].Compare)
	assert.Equal(t, "Roma", f.runner.requests[1].Inputs.City)

	req = httptest.NewRequest(http.MethodPost, "/api/compare/start", strings.NewReader(`{"document_ids":[4],"skip_masking":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec = f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "between 2 and 5")
}

func strPtr(s string) *string { return &s }

func TestReportEndpoints(t *testing.T) {
	f := newFixture(t)
	f.store.analyses[1] = &store.Analysis{
		ID:                1,
		Status:            store.StatusCompleted,
		SourceDocumentIDs: "[2,1]",
		ReportHTMLDisplay: strPtr("<html>Mario Rossi</html>"),
		ReportHTMLMasked:  strPtr("<html>[CONTRAENTE_XXX]</html>"),
	}
	f.store.analyses[2] = &store.Analysis{ID: 2, Status: store.StatusAnalyzing}

	t.Run("status", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/analysis/1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		decodeBody(t, rec, &body)
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, true, body["has_report"])
		assert.Equal(t, []interface{}{float64(2), float64(1)}, body["source_document_ids"])
	})

	t.Run("content", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/report/1/content", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<html>Mario Rossi</html>", rec.Body.String())
		assert.Empty(t, rec.Header().Get("Content-Disposition"))
	})

	t.Run("content without report", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/report/2/content", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	tests := []struct {
		query       string
		status      int
		body        string
		disposition string
	}{
		{"", http.StatusOK, "<html>Mario Rossi</html>", "attachment; filename=report_1.html"},
		{"?format=html", http.StatusOK, "<html>Mario Rossi</html>", "attachment; filename=report_1.html"},
		{"?format=html_masked", http.StatusOK, "<html>[CONTRAENTE_XXX]</html>", "attachment; filename=report_1_masked.html"},
		{"?format=pdf", http.StatusBadRequest, "", ""},
		{"?format=docx", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run("download"+tt.query, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodGet, "/report/1/download"+tt.query, nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
				assert.Equal(t, tt.disposition, rec.Header().Get("Content-Disposition"))
			}
		})
	}

	t.Run("download missing analysis", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/report/9/download", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteAnalysis(t *testing.T) {
	f := newFixture(t)
	masked := filepath.Join(f.cfg.Storage.OutputDir, "x.combined.masked.txt")
	require.NoError(t, os.WriteFile(masked, []byte("[CONTRAENTE_XXX]"), 0o644))
	f.store.analyses[4] = &store.Analysis{ID: 4, MaskedTextPath: &masked}

	rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/analysis/4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoFileExists(t, masked)
	assert.Empty(t, f.store.analyses)

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/analysis/4", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	f := newFixture(t)
	f.cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 1}
	f.server = New(f.cfg, logger.NewNop(), Deps{Store: f.store, Texts: f.texts, Queue: f.queue, Analyses: f.runner})

	values := url.Values{"document_ids": {"1"}, "skip_masking": {"true"}}
	assert.Equal(t, http.StatusAccepted, f.do(formRequest(values)).Code)

	rec := f.do(formRequest(values))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestRateLimitIgnoresForwardedHeadersFromClients(t *testing.T) {
	f := newFixture(t)
	f.cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 1}
	f.server = New(f.cfg, logger.NewNop(), Deps{Store: f.store, Texts: f.texts, Queue: f.queue, Analyses: f.runner})

	values := url.Values{"document_ids": {"1"}, "skip_masking": {"true"}}
	for i, forwarded := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := formRequest(values)
		req.Header.Set("X-Forwarded-For", forwarded)
		req.Header.Set("X-Real-IP", forwarded)
		want := http.StatusTooManyRequests
		if i == 0 {
			want = http.StatusAccepted
		}
		assert.Equal(t, want, f.do(req).Code, forwarded)
	}
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	f := newFixture(t)
	f.cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 1}
	f.cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	f.server = New(f.cfg, logger.NewNop(), Deps{Store: f.store, Texts: f.texts, Queue: f.queue, Analyses: f.runner})

	values := url.Values{"document_ids": {"1"}, "skip_masking": {"true"}}
	for _, client := range []string{"1.1.1.1", "2.2.2.2"} {
		req := formRequest(values)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("X-Forwarded-For", client)
		assert.Equal(t, http.StatusAccepted, f.do(req).Code, client)
	}

	req := formRequest(values)
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, f.do(req).Code)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}
