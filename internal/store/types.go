package store

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// ErrNotFound is returned when a document or analysis does not exist
var ErrNotFound = errors.New("not found")

// Extraction methods recorded on a document
const (
	MethodProcessing = "processing"
	MethodNative     = "nativo"
	MethodText       = "testo"
	MethodError      = "error"
)

// DocumentStatus is derived from the extraction method and the text file
type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentError      DocumentStatus = "error"
)

// AnalysisStatus tracks an analysis through the pipeline
type AnalysisStatus string

const (
	StatusUploaded  AnalysisStatus = "uploaded"
	StatusConverted AnalysisStatus = "converted"
	StatusMasked    AnalysisStatus = "masked"
	StatusAnalyzing AnalysisStatus = "analyzing"
	StatusCompleted AnalysisStatus = "completed"
	StatusError     AnalysisStatus = "error"
)

// Document is an uploaded policy file
type Document struct {
	ID                int64     `db:"id" json:"id"`
	OriginalFilename  string    `db:"original_filename" json:"original_filename"`
	StoredFilename    string    `db:"stored_filename" json:"stored_filename"`
	Ramo              string    `db:"ramo" json:"ramo"`
	OCRMethod         string    `db:"ocr_method" json:"ocr_method"`
	ExtractedTextPath *string   `db:"extracted_text_path" json:"extracted_text_path,omitempty"`
	TokenCount        int       `db:"token_count" json:"token_count"`
	UploadedAt        time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// Status derives the document status: processing while extraction runs,
// ready once the extracted text file exists, error otherwise.
func (d *Document) Status() DocumentStatus {
	if d.OCRMethod == MethodProcessing {
		return DocumentProcessing
	}
	if d.ExtractedTextPath == nil || *d.ExtractedTextPath == "" {
		return DocumentError
	}
	if _, err := os.Stat(*d.ExtractedTextPath); err != nil {
		return DocumentError
	}
	return DocumentReady
}

// Analysis is one run of the analysis pipeline over one or more documents
type Analysis struct {
	ID                 int64          `db:"id" json:"id"`
	DocumentID         *int64         `db:"document_id" json:"document_id,omitempty"`
	SourceDocumentIDs  string         `db:"source_document_ids" json:"-"`
	Status             AnalysisStatus `db:"status" json:"status"`
	PolicyType         string         `db:"policy_type" json:"policy_type"`
	PromptLevel        string         `db:"prompt_level" json:"prompt_level"`
	LLMModel           string         `db:"llm_model" json:"llm_model"`
	TotalTokens        int            `db:"total_tokens" json:"total_tokens"`
	MaskedTextPath     *string        `db:"masked_text_path" json:"-"`
	MaskingSkipped     bool           `db:"masking_skipped" json:"masking_skipped"`
	ReverseMappingJSON *string        `db:"reverse_mapping_json" json:"-"`
	ReportHTMLMasked   *string        `db:"report_html_masked" json:"-"`
	ReportHTMLDisplay  *string        `db:"report_html_display" json:"-"`
	ErrorMessage       *string        `db:"error_message" json:"error_message,omitempty"`
	Title              *string        `db:"title" json:"title,omitempty"`
	IsSaved            bool           `db:"is_saved" json:"is_saved"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	CompletedAt        *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	LastUpdated        time.Time      `db:"last_updated" json:"last_updated"`
}

// SourceIDs decodes the JSON list of source document ids
func (a *Analysis) SourceIDs() []int64 {
	var ids []int64
	if a.SourceDocumentIDs == "" {
		return ids
	}
	if err := json.Unmarshal([]byte(a.SourceDocumentIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// HasReport reports whether a display report is stored
func (a *Analysis) HasReport() bool {
	return a.ReportHTMLDisplay != nil && *a.ReportHTMLDisplay != ""
}

// EncodeIDs encodes document ids as stored in source_document_ids
func EncodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

// OrderDocuments returns docs in the order of ids, dropping ids with no document
func OrderDocuments(ids []int64, docs []*Document) []*Document {
	byID := make(map[int64]*Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	ordered := make([]*Document, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, doc)
	}
	return ordered
}

// AnalysisUpdate lists the analysis columns changed by the pipeline.
// Nil fields are left unchanged.
type AnalysisUpdate struct {
	Status             *AnalysisStatus
	LLMModel           *string
	TotalTokens        *int
	MaskedTextPath     *string
	ReverseMappingJSON *string
	ReportHTMLMasked   *string
	ReportHTMLDisplay  *string
	ErrorMessage       *string
	Completed          bool
}

// Stats summarizes stored rows for the info endpoint
type Stats struct {
	Documents int64 `db:"documents" json:"documents"`
	Analyses  int64 `db:"analyses" json:"analyses"`
	Completed int64 `db:"completed" json:"completed"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}
