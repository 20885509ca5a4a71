package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mao74/insurance-analyzer/internal/masking"
)

// Record is one document of an input dataset
type Record struct {
	DocID string `csv:"doc_id" parquet:"doc_id" json:"doc_id"`
	Text  string `csv:"text" parquet:"text" json:"text"`
}

// Output is one line of the JSONL result
type Output struct {
	DocID    string            `json:"doc_id"`
	Masked   string            `json:"masked"`
	Count    int               `json:"count"`
	Findings []masking.Finding `json:"findings,omitempty"`
}

// ProcessingResult summarizes a batch run
type ProcessingResult struct {
	TotalRecords int64         `json:"total_records"`
	Written      int64         `json:"written"`
	Skipped      int64         `json:"skipped"`
	Replacements int64         `json:"replacements"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}

// Config contains batch pipeline configuration
type Config struct {
	BatchSize      int `yaml:"batch_size"`      // 500
	WorkerCount    int `yaml:"worker_count"`    // 4
	ProgressReport int `yaml:"progress_report"` // 1000
}

// RuleFile is the YAML form of the masking inputs. Free-text values are a
// list instead of one value per line.
type RuleFile struct {
	masking.Inputs `yaml:",inline"`
	Others         []string `yaml:"others"`
}

// LoadRules reads a rule file into masking inputs
func LoadRules(path string) (masking.Inputs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return masking.Inputs{}, fmt.Errorf("failed to read rules: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return masking.Inputs{}, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}

	in := rf.Inputs
	in.Others = strings.Join(rf.Others, "\n")
	return in, nil
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) (FileFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported input format: %s", filename)
}
