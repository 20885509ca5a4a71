package batch

import (
	"fmt"
	"path/filepath"

	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/masking"
)

// Extractor turns a document file into text
type Extractor interface {
	File(path string) (*extract.Result, error)
}

// PreviewFile extracts the text of one document and renders its preview
func PreviewFile(extractor Extractor, path string, in masking.Inputs, r masking.Renderer) (masking.Preview, error) {
	result, err := extractor.File(path)
	if err != nil {
		return masking.Preview{}, fmt.Errorf("failed to extract %s: %w", path, err)
	}

	docID := filepath.Base(path)
	session := masking.NewSession([]masking.Document{{ID: docID, Text: result.Text}}, docID)
	return masking.Recompute(session, in, r), nil
}
