package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/analysis"
	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

// startRequest is the JSON form of an analysis submission. Form posts use
// the same field names with document_ids as a comma-separated list.
type startRequest struct {
	DocumentIDs   []int64        `json:"document_ids"`
	Inputs        masking.Inputs `json:"inputs"`
	SkipMasking   bool           `json:"skip_masking"`
	Verified      bool           `json:"verified"`
	AnalysisLevel string         `json:"analysis_level"`
	PolicyType    string         `json:"policy_type"`
	Model         string         `json:"llm_model"`
}

// analysisView is the status payload of an analysis
type analysisView struct {
	*store.Analysis
	SourceDocumentIDs []int64 `json:"source_document_ids"`
	HasReport         bool    `json:"has_report"`
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	s.startAnalysis(w, r, false)
}

// handleStartCompare analyzes two to five documents side by side
func (s *Server) handleStartCompare(w http.ResponseWriter, r *http.Request) {
	s.startAnalysis(w, r, true)
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request, compare bool) {
	req, err := parseStartRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.SkipMasking && s.config.Masking.RequireVerification && !req.Verified {
		s.writeError(w, r, badRequest("masking must be verified before submission"))
		return
	}

	a, err := s.deps.Analyses.Start(r.Context(), analysis.Request{
		DocumentIDs: req.DocumentIDs,
		Inputs:      req.Inputs,
		SkipMasking: req.SkipMasking,
		Level:       req.AnalysisLevel,
		PolicyType:  req.PolicyType,
		Model:       req.Model,
		Compare:     compare,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/analysis/%d", a.ID))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"analysis_id": a.ID,
		"status":      a.Status,
		"report_url":  fmt.Sprintf("/report/%d/content", a.ID),
	})
}

func parseStartRequest(r *http.Request) (*startRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest("invalid analysis request: %v", err)
		}
		return &req, nil
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
		return nil, badRequest("invalid form: %v", err)
	}
	ids, err := analysis.ParseIDs(r.FormValue("document_ids"))
	if err != nil {
		return nil, err
	}
	return &startRequest{
		DocumentIDs: ids,
		Inputs: masking.Inputs{
			PolicyNumber: r.FormValue("numero_polizza"),
			Policyholder: r.FormValue("contraente"),
			VATNumber:    r.FormValue("partita_iva"),
			FiscalCode:   r.FormValue("codice_fiscale"),
			InsuredParty: r.FormValue("assicurato"),
			Address:      r.FormValue("indirizzo"),
			City:         r.FormValue("citta"),
			PostalCode:   r.FormValue("cap"),
			Others:       r.FormValue("altri"),
		},
		SkipMasking:   formBool(r.FormValue("skip_masking")),
		Verified:      formBool(r.FormValue("verified")),
		AnalysisLevel: r.FormValue("analysis_level"),
		PolicyType:    r.FormValue("policy_type"),
		Model:         r.FormValue("llm_model"),
	}, nil
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "on", "1", "yes":
		return true
	}
	return false
}

func (s *Server) loadAnalysis(w http.ResponseWriter, r *http.Request) (*store.Analysis, bool) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	a, err := s.deps.Store.GetAnalysis(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return a, true
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAnalysis(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analysisView{
		Analysis:          a,
		SourceDocumentIDs: a.SourceIDs(),
		HasReport:         a.HasReport(),
	})
}

// handleDeleteAnalysis removes the row and the masked text file
func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAnalysis(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteAnalysis(r.Context(), a.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.MaskedTextPath != nil && *a.MaskedTextPath != "" {
		if err := os.Remove(*a.MaskedTextPath); err != nil && !os.IsNotExist(err) {
			s.requestLogger(r).Warn("Failed to remove masked text",
				zap.String("path", *a.MaskedTextPath), zap.Error(err))
		}
	}
	s.requestLogger(r).Info("Analysis deleted", zap.Int64("analysis_id", a.ID))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": a.ID})
}

func (s *Server) handleReportContent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAnalysis(w, r)
	if !ok {
		return
	}
	if !a.HasReport() {
		s.writeError(w, r, fmt.Errorf("report of analysis %d: %w", a.ID, store.ErrNotFound))
		return
	}
	writeHTML(w, *a.ReportHTMLDisplay, "")
}

// handleReportDownload serves the display or the masked report as an attachment
func (s *Server) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAnalysis(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	var report *string
	var filename string
	switch format {
	case "", "html":
		report = a.ReportHTMLDisplay
		filename = fmt.Sprintf("report_%d.html", a.ID)
	case "html_masked":
		report = a.ReportHTMLMasked
		filename = fmt.Sprintf("report_%d_masked.html", a.ID)
	default:
		s.writeError(w, r, badRequest("invalid format %q", format))
		return
	}

	if report == nil || *report == "" {
		s.writeError(w, r, fmt.Errorf("report of analysis %d: %w", a.ID, store.ErrNotFound))
		return
	}
	writeHTML(w, *report, filename)
}

func writeHTML(w http.ResponseWriter, body, attachment string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if attachment != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", attachment))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
