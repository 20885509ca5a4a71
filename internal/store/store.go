package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id                  BIGSERIAL PRIMARY KEY,
	original_filename   VARCHAR(255) NOT NULL,
	stored_filename     VARCHAR(255) NOT NULL,
	ramo                VARCHAR(50)  NOT NULL DEFAULT 'rc_generale',
	ocr_method          VARCHAR(20)  NOT NULL DEFAULT 'processing',
	extracted_text_path VARCHAR(255),
	token_count         INTEGER      NOT NULL DEFAULT 0,
	uploaded_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS analyses (
	id                   BIGSERIAL PRIMARY KEY,
	document_id          BIGINT REFERENCES documents(id) ON DELETE SET NULL,
	source_document_ids  TEXT        NOT NULL DEFAULT '[]',
	status               VARCHAR(20) NOT NULL DEFAULT 'uploaded',
	policy_type          VARCHAR(50) NOT NULL DEFAULT 'rc_generale',
	prompt_level         VARCHAR(20) NOT NULL DEFAULT 'base',
	llm_model            VARCHAR(50) NOT NULL DEFAULT '',
	total_tokens         INTEGER     NOT NULL DEFAULT 0,
	masked_text_path     VARCHAR(255),
	masking_skipped      BOOLEAN     NOT NULL DEFAULT FALSE,
	reverse_mapping_json TEXT,
	report_html_masked   TEXT,
	report_html_display  TEXT,
	error_message        TEXT,
	title                VARCHAR(255),
	is_saved             BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at         TIMESTAMPTZ,
	last_updated         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_analyses_document_id ON analyses (document_id);`

// Store persists documents and analyses in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to PostgreSQL and applies the schema
func New(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{
		db:     db,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Document store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InsertDocument adds a new document row and fills in its id and upload time
func (s *Store) InsertDocument(ctx context.Context, doc *Document) error {
	query := `
		INSERT INTO documents (original_filename, stored_filename, ramo, ocr_method)
		VALUES ($1, $2, $3, $4)
		RETURNING id, uploaded_at`

	if doc.OCRMethod == "" {
		doc.OCRMethod = MethodProcessing
	}

	err := s.db.QueryRowContext(ctx, query,
		doc.OriginalFilename,
		doc.StoredFilename,
		doc.Ramo,
		doc.OCRMethod,
	).Scan(&doc.ID, &doc.UploadedAt)
	if err != nil {
		s.logger.Error("Failed to insert document",
			zap.Error(err),
			zap.String("stored_filename", doc.StoredFilename))
		return fmt.Errorf("failed to insert document: %w", err)
	}

	s.logger.Debug("Document inserted",
		zap.Int64("id", doc.ID),
		zap.String("stored_filename", doc.StoredFilename))

	return nil
}

// GetDocument returns a single document
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %d: %w", id, err)
	}
	return &doc, nil
}

// GetDocuments returns the documents with the given ids in the order of ids.
// Unknown ids are dropped.
func (s *Store) GetDocuments(ctx context.Context, ids []int64) ([]*Document, error) {
	if len(ids) == 0 {
		return []*Document{}, nil
	}

	var docs []*Document
	if err := s.db.SelectContext(ctx, &docs, `SELECT * FROM documents WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	return OrderDocuments(ids, docs), nil
}

// ListDocuments returns the most recent documents first
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}

	docs := []*Document{}
	if err := s.db.SelectContext(ctx, &docs,
		`SELECT * FROM documents ORDER BY uploaded_at DESC, id DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// UpdateDocumentExtraction records the outcome of text extraction
func (s *Store) UpdateDocumentExtraction(ctx context.Context, id int64, method string, textPath *string, tokens int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET ocr_method = $2, extracted_text_path = $3, token_count = $4 WHERE id = $1`,
		id, method, textPath, tokens)
	if err != nil {
		return fmt.Errorf("failed to update document %d: %w", id, err)
	}
	return expectRow(res, "document", id)
}

// DeleteDocument removes a document row
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %d: %w", id, err)
	}
	return expectRow(res, "document", id)
}

// CreateAnalysis inserts a new analysis and fills in its id and timestamps
func (s *Store) CreateAnalysis(ctx context.Context, a *Analysis) error {
	query := `
		INSERT INTO analyses (document_id, source_document_ids, status, policy_type,
			prompt_level, llm_model, masking_skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, last_updated`

	err := s.db.QueryRowContext(ctx, query,
		a.DocumentID,
		a.SourceDocumentIDs,
		a.Status,
		a.PolicyType,
		a.PromptLevel,
		a.LLMModel,
		a.MaskingSkipped,
	).Scan(&a.ID, &a.CreatedAt, &a.LastUpdated)
	if err != nil {
		s.logger.Error("Failed to create analysis", zap.Error(err))
		return fmt.Errorf("failed to create analysis: %w", err)
	}

	s.logger.Debug("Analysis created",
		zap.Int64("id", a.ID),
		zap.String("source_document_ids", a.SourceDocumentIDs))

	return nil
}

// GetAnalysis returns a single analysis
func (s *Store) GetAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	var a Analysis
	err := s.db.GetContext(ctx, &a, `SELECT * FROM analyses WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %d: %w", id, err)
	}
	return &a, nil
}

// UpdateAnalysis applies the non-nil fields of u
func (s *Store) UpdateAnalysis(ctx context.Context, id int64, u AnalysisUpdate) error {
	query, args := buildAnalysisUpdate(id, u)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update analysis %d: %w", id, err)
	}
	return expectRow(res, "analysis", id)
}

// buildAnalysisUpdate renders the UPDATE statement for u
func buildAnalysisUpdate(id int64, u AnalysisUpdate) (string, []interface{}) {
	sets := []string{"last_updated = NOW()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.LLMModel != nil {
		add("llm_model", *u.LLMModel)
	}
	if u.TotalTokens != nil {
		add("total_tokens", *u.TotalTokens)
	}
	if u.MaskedTextPath != nil {
		add("masked_text_path", *u.MaskedTextPath)
	}
	if u.ReverseMappingJSON != nil {
		add("reverse_mapping_json", *u.ReverseMappingJSON)
	}
	if u.ReportHTMLMasked != nil {
		add("report_html_masked", *u.ReportHTMLMasked)
	}
	if u.ReportHTMLDisplay != nil {
		add("report_html_display", *u.ReportHTMLDisplay)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.Completed {
		sets = append(sets, "completed_at = NOW()")
	}

	return fmt.Sprintf("UPDATE analyses SET %s WHERE id = $1", strings.Join(sets, ", ")), args
}

// DeleteAnalysis removes an analysis row
func (s *Store) DeleteAnalysis(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete analysis %d: %w", id, err)
	}
	return expectRow(res, "analysis", id)
}

// GetStats returns row counts
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	query := `
		SELECT
			(SELECT COUNT(*) FROM documents) AS documents,
			(SELECT COUNT(*) FROM analyses) AS analyses,
			(SELECT COUNT(*) FROM analyses WHERE status = 'completed') AS completed`

	if err := s.db.GetContext(ctx, stats, query); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func expectRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	// the scheme separator "postgres:" is not a password
	if colon < 0 || !strings.Contains(userPart[:colon], "//") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
