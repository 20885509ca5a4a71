package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/analysis"
	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

// maskingDocument is one tab of the masking page
type maskingDocument struct {
	ID         string               `json:"id"`
	DocumentID int64                `json:"document_id"`
	Filename   string               `json:"filename"`
	Status     store.DocumentStatus `json:"status"`
	Tokens     int                  `json:"token_count"`
	Text       string               `json:"text"`
}

type maskingData struct {
	Documents           []maskingDocument `json:"documents"`
	Active              string            `json:"active"`
	PolicyType          string            `json:"policy_type"`
	RequireVerification bool              `json:"require_verification"`
}

// previewRequest is the body of the stateless preview endpoint
type previewRequest struct {
	Documents []masking.Document `json:"documents"`
	Active    string             `json:"active"`
	Inputs    masking.Inputs     `json:"inputs"`
	Format    string             `json:"format"`
}

// handleMaskingData returns the documents to open as tabs. It answers 409
// while any of them is still being extracted.
func (s *Server) handleMaskingData(w http.ResponseWriter, r *http.Request) {
	ids, err := analysis.ParseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		s.writeError(w, r, analysis.ErrNoDocuments)
		return
	}

	docs, err := s.deps.Store.GetDocuments(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(docs) == 0 {
		s.writeError(w, r, store.ErrNotFound)
		return
	}

	for _, doc := range docs {
		if doc.Status() == store.DocumentProcessing {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":       "document is still being processed",
				"document_id": doc.ID,
			})
			return
		}
	}

	data := maskingData{
		Documents:           make([]maskingDocument, 0, len(docs)),
		Active:              strconv.FormatInt(docs[0].ID, 10),
		PolicyType:          docs[0].Ramo,
		RequireVerification: s.config.Masking.RequireVerification,
	}
	for _, doc := range docs {
		tab := maskingDocument{
			ID:         strconv.FormatInt(doc.ID, 10),
			DocumentID: doc.ID,
			Filename:   doc.OriginalFilename,
			Status:     doc.Status(),
			Tokens:     doc.TokenCount,
		}
		text, err := s.deps.Texts.Read(r.Context(), doc)
		if err != nil {
			s.requestLogger(r).Warn("Document text unavailable",
				zap.Int64("document_id", doc.ID), zap.Error(err))
		}
		tab.Text = text
		data.Documents = append(data.Documents, tab)
	}

	writeJSON(w, http.StatusOK, data)
}

// handleMaskingPreview recomputes a preview without any server-side session
func (s *Server) handleMaskingPreview(w http.ResponseWriter, r *http.Request) {
	limit := s.config.WebSocket.MaxMessageSize
	if limit <= 0 {
		limit = 8 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid preview request: %v", err))
		return
	}

	var renderer masking.Renderer = masking.PlainRenderer{}
	switch req.Format {
	case "", "plain", "text":
	case "html":
		renderer = masking.HTMLRenderer{Class: s.config.Masking.HighlightClass}
	default:
		s.writeError(w, r, badRequest("unsupported format %q", req.Format))
		return
	}

	active := req.Active
	if active == "" && len(req.Documents) > 0 {
		active = req.Documents[0].ID
	}
	session := masking.NewSession(req.Documents, active)

	writeJSON(w, http.StatusOK, masking.Recompute(session, req.Inputs, renderer))
}
