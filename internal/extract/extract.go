package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrUnsupported is returned for files that are neither PDF nor plain text
var ErrUnsupported = errors.New("unsupported file type")

// ErrNoText is returned when a PDF yields no extractable text
var ErrNoText = errors.New("no extractable text")

// Extraction methods, stored on the document row
const (
	MethodNative = "nativo"
	MethodText   = "testo"
)

const (
	mimePDF  = "application/pdf"
	mimeText = "text/plain"
)

// Result is the text extracted from one file
type Result struct {
	Text      string
	Method    string
	PageCount int
	Tokens    int
}

// Extractor pulls text out of uploaded files
type Extractor struct {
	pdfConfig *model.Configuration
	maxPages  int
}

// New creates an extractor. maxPages <= 0 means no page limit.
func New(maxPages int) *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{
		pdfConfig: conf,
		maxPages:  maxPages,
	}
}

// DetectMIME sniffs the content type from the first bytes of a file
func DetectMIME(header []byte) string {
	mime := http.DetectContentType(header)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// Accept reports whether an upload with the sniffed mime and name can be
// extracted. Unknown binary content is trusted when the name ends in .pdf.
func Accept(mime, filename string) bool {
	switch mime {
	case mimePDF, mimeText:
		return true
	}
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

// File extracts the text of the file at path
func (e *Extractor) File(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, []byte("%PDF")), strings.EqualFold(filepath.Ext(path), ".pdf"):
		return e.pdfText(path)
	case DetectMIME(header) == mimeText:
		return e.plainText(path)
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}
}

// pdfText validates the PDF and extracts its native text layer page by page
func (e *Extractor) pdfText(path string) (*Result, error) {
	if err := api.ValidateFile(path, e.pdfConfig); err != nil {
		return nil, fmt.Errorf("invalid PDF %s: %w", filepath.Base(path), err)
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening PDF: %w", err)
	}
	defer f.Close()

	pages := r.NumPage()
	if e.maxPages > 0 && pages > e.maxPages {
		pages = e.maxPages
	}

	texts := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", i, err)
		}
		texts = append(texts, strings.TrimRight(text, " \n"))
	}

	text := strings.TrimSpace(strings.Join(texts, "\n"))
	if text == "" {
		// scanned documents need OCR, which is out of scope here
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNoText)
	}

	return &Result{
		Text:      text,
		Method:    MethodNative,
		PageCount: r.NumPage(),
		Tokens:    EstimateTokens(text),
	}, nil
}

func (e *Extractor) plainText(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}

	text := string(data)
	return &Result{
		Text:      text,
		Method:    MethodText,
		PageCount: 1,
		Tokens:    EstimateTokens(text),
	}, nil
}

// EstimateTokens approximates the model token count as characters / 4
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}
