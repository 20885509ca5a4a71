package batch

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/masking"
)

// Pipeline masks every record of a dataset with one fixed rule set
type Pipeline struct {
	inputs masking.Inputs
	config *Config
	logger *zap.Logger
	rows   int64
}

// NewPipeline creates a new batch pipeline
func NewPipeline(inputs masking.Inputs, config *Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = 1000
	}
	return &Pipeline{
		inputs: inputs,
		config: config,
		logger: logger,
	}
}

// ProcessFile masks a dataset file (CSV, Parquet, or JSON) and writes one
// JSON line per record to out, in input order
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string, out io.Writer) (*ProcessingResult, error) {
	format, err := DetectFileFormat(filePath)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Starting batch masking",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.Int("rules", len(masking.BuildRules(p.inputs))))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	start := time.Now()
	result := &ProcessingResult{}
	p.rows = 0

	switch format {
	case FormatCSV:
		err = p.processCSV(ctx, file, out, result)
	case FormatParquet:
		err = p.processParquet(ctx, file, out, result)
	case FormatJSON:
		err = p.processJSON(ctx, file, out, result)
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("%s processing failed: %w", format, err)
	}

	p.logger.Info("Batch masking completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("written", result.Written),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("replacements", result.Replacements),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// processCSV reads a CSV file with a header naming doc_id and text columns
func (p *Pipeline) processCSV(ctx context.Context, r io.Reader, out io.Writer, result *ProcessingResult) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	idCol, textCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "doc_id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if textCol < 0 {
		return fmt.Errorf("CSV header %v has no text column", header)
	}

	return p.processBatches(ctx, func() ([]*Record, error) {
		var batch []*Record
		for len(batch) < p.config.BatchSize {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				p.logger.Warn("Failed to read CSV record", zap.Error(err))
				result.Skipped++
				continue
			}
			if textCol >= len(row) {
				p.logger.Warn("Invalid CSV record length", zap.Int("length", len(row)))
				result.Skipped++
				continue
			}
			record := &Record{Text: row[textCol]}
			if idCol >= 0 && idCol < len(row) {
				record.DocID = strings.TrimSpace(row[idCol])
			}
			batch = append(batch, record)
		}
		return batch, nil
	}, out, result)
}

// processParquet reads Parquet rows into records
func (p *Pipeline) processParquet(ctx context.Context, file *os.File, out io.Writer, result *ProcessingResult) error {
	reader := parquet.NewReader(file)
	defer reader.Close()

	return p.processBatches(ctx, func() ([]*Record, error) {
		var batch []*Record
		for len(batch) < p.config.BatchSize {
			var record Record
			err := reader.Read(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			batch = append(batch, &record)
		}
		return batch, nil
	}, out, result)
}

// processJSON reads either a JSON array of records or one object per line
func (p *Pipeline) processJSON(ctx context.Context, r io.Reader, out io.Writer, result *ProcessingResult) error {
	buffered := bufio.NewReader(r)
	decoder := json.NewDecoder(buffered)

	if isJSONArray(buffered) {
		if _, err := decoder.Token(); err != nil {
			return fmt.Errorf("failed to read JSON array: %w", err)
		}
	}

	return p.processBatches(ctx, func() ([]*Record, error) {
		var batch []*Record
		for len(batch) < p.config.BatchSize && decoder.More() {
			var record Record
			if err := decoder.Decode(&record); err != nil {
				return nil, fmt.Errorf("failed to read JSON record: %w", err)
			}
			batch = append(batch, &record)
		}
		return batch, nil
	}, out, result)
}

func isJSONArray(r *bufio.Reader) bool {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return false
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			r.ReadByte()
		case '[':
			return true
		default:
			return false
		}
	}
}

// processBatches masks data in batches using the provided reader function
func (p *Pipeline) processBatches(ctx context.Context, readBatch func() ([]*Record, error), out io.Writer, result *ProcessingResult) error {
	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := readBatch()
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		outputs := p.processBatch(batch)
		for _, o := range outputs {
			if err := encoder.Encode(o); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			result.Written++
			result.Replacements += int64(o.Count)
		}

		before := result.TotalRecords
		result.TotalRecords += int64(len(batch))
		if result.TotalRecords/int64(p.config.ProgressReport) > before/int64(p.config.ProgressReport) {
			p.reportProgress(result)
		}
	}
}

// processBatch masks a batch on the worker pool; outputs keep batch order
func (p *Pipeline) processBatch(batch []*Record) []Output {
	outputs := make([]Output, len(batch))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.config.WorkerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				outputs[i] = p.maskRecord(batch[i])
			}
		}()
	}

	for i := range batch {
		p.rows++
		if batch[i].DocID == "" {
			batch[i].DocID = strconv.FormatInt(p.rows, 10)
		}
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return outputs
}

// maskRecord runs one preview pass with the plain renderer
func (p *Pipeline) maskRecord(record *Record) Output {
	session := masking.NewSession([]masking.Document{{ID: record.DocID, Text: record.Text}}, record.DocID)
	preview := masking.Recompute(session, p.inputs, masking.PlainRenderer{})
	return Output{
		DocID:    record.DocID,
		Masked:   preview.Text,
		Count:    preview.Count,
		Findings: preview.Findings,
	}
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("replacements", result.Replacements),
		zap.Int64("skipped", result.Skipped))
}
