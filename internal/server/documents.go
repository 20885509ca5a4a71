package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/ingest"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

const listLimit = 200

// documentView adds the derived status to a stored document
type documentView struct {
	*store.Document
	Status store.DocumentStatus `json:"status"`
}

func viewDocument(doc *store.Document) documentView {
	return documentView{Document: doc, Status: doc.Status()}
}

type uploadResponse struct {
	Documents []documentView `json:"documents"`
	Skipped   []string       `json:"skipped,omitempty"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.ListDocuments(r.Context(), listLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, viewDocument(doc))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleUpload stores every acceptable file and queues its text extraction
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Storage.MaxUploadSizeMB<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
			return
		}
		s.writeError(w, r, badRequest("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	ramo := strings.TrimSpace(r.FormValue("ramo"))
	if ramo == "" {
		ramo = s.config.Masking.DefaultPolicyType
	}

	log := s.requestLogger(r)
	resp := uploadResponse{Documents: []documentView{}}

	for _, fh := range r.MultipartForm.File["files"] {
		stored, err := s.saveUpload(fh)
		if err != nil {
			log.Warn("Upload skipped", zap.String("filename", fh.Filename), zap.Error(err))
			resp.Skipped = append(resp.Skipped, fh.Filename)
			continue
		}

		doc := &store.Document{
			OriginalFilename: filepath.Base(fh.Filename),
			StoredFilename:   stored,
			Ramo:             ramo,
			OCRMethod:        store.MethodProcessing,
		}
		if err := s.deps.Store.InsertDocument(r.Context(), doc); err != nil {
			os.Remove(s.uploadPath(stored))
			s.writeError(w, r, err)
			return
		}

		if err := s.deps.Queue.Enqueue(ingest.Job{
			DocumentID:     doc.ID,
			Path:           s.uploadPath(stored),
			StoredFilename: stored,
		}); err != nil {
			log.Warn("Failed to queue extraction", zap.Int64("document_id", doc.ID), zap.Error(err))
			if derr := s.deps.Store.DeleteDocument(r.Context(), doc.ID); derr != nil {
				log.Error("Failed to roll back document", zap.Int64("document_id", doc.ID), zap.Error(derr))
			}
			os.Remove(s.uploadPath(stored))
			resp.Skipped = append(resp.Skipped, fh.Filename)
			continue
		}

		log.Info("Document uploaded",
			zap.Int64("document_id", doc.ID),
			zap.String("filename", doc.OriginalFilename),
			zap.String("ramo", ramo))
		resp.Documents = append(resp.Documents, viewDocument(doc))
	}

	if len(resp.Documents) == 0 {
		s.writeError(w, r, badRequest("no valid file uploaded"))
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// saveUpload sniffs the file type and writes the file as <uuid><ext>
func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	header = header[:n]

	mime := extract.DetectMIME(header)
	if !extract.Accept(mime, fh.Filename) {
		return "", fmt.Errorf("%w: %s", extract.ErrUnsupported, mime)
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" {
		ext = ".txt"
		if strings.HasPrefix(mime, "application/pdf") {
			ext = ".pdf"
		}
	}
	stored := uuid.NewString() + ext

	if err := os.MkdirAll(s.config.Storage.UploadDir, 0o755); err != nil {
		return "", err
	}
	dst, err := os.Create(s.uploadPath(stored))
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.MultiReader(bytes.NewReader(header), f)); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return stored, nil
}

func (s *Server) uploadPath(stored string) string {
	return filepath.Join(s.config.Storage.UploadDir, filepath.Base(stored))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(doc))
}

func (s *Server) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	text, err := s.deps.Texts.Read(r.Context(), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          doc.ID,
		"filename":    doc.OriginalFilename,
		"ocr_method":  doc.OCRMethod,
		"token_count": doc.TokenCount,
		"text":        text,
	})
}

// handleDeleteDocument removes the row, the upload, the extracted text and
// the cached copy
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteDocument(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	log := s.requestLogger(r).WithDocument(id)
	paths := []string{s.uploadPath(doc.StoredFilename)}
	if doc.ExtractedTextPath != nil && *doc.ExtractedTextPath != "" {
		paths = append(paths, *doc.ExtractedTextPath)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove document file", zap.String("path", path), zap.Error(err))
		}
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Delete(r.Context(), id); err != nil {
			log.Warn("Failed to evict cached text", zap.Error(err))
		}
	}

	log.Info("Document deleted")
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}
