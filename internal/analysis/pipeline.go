package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/llm"
	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/store"
)

var (
	// ErrNoDocuments is returned when a request names no documents
	ErrNoDocuments = errors.New("no documents specified")
	// ErrInvalidIDs is returned for a malformed id list
	ErrInvalidIDs = errors.New("invalid document ids")
	// ErrCompareCount is returned when a comparison names too few or too many documents
	ErrCompareCount = fmt.Errorf("a comparison needs between %d and %d documents", MinCompareDocuments, MaxCompareDocuments)
)

// Comparison bounds on the number of distinct documents
const (
	MinCompareDocuments = 2
	MaxCompareDocuments = 5

	// CompareLevel is the prompt level recorded for comparisons
	CompareLevel = "confronto"
	compareDir   = "confronto_polizze"
)

// Request starts an analysis. With Compare set the documents are analyzed
// side by side with the comparison prompts instead of as one policy.
type Request struct {
	DocumentIDs []int64
	Inputs      masking.Inputs
	SkipMasking bool
	Level       string
	PolicyType  string
	Model       string
	Compare     bool
}

// Store is the persistence used by the pipeline
type Store interface {
	GetDocuments(ctx context.Context, ids []int64) ([]*store.Document, error)
	CreateAnalysis(ctx context.Context, a *store.Analysis) error
	UpdateAnalysis(ctx context.Context, id int64, u store.AnalysisUpdate) error
}

// TextSource returns the extracted text of a document
type TextSource interface {
	Read(ctx context.Context, doc *store.Document) (string, error)
}

// Generator produces a report from a prompt
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (*llm.Result, error)
}

// Notifier is told about analysis status changes
type Notifier interface {
	AnalysisStatus(analysisID int64, status string, message string)
}

// Config contains pipeline configuration
type Config struct {
	OutputDir         string
	PromptsDir        string
	DefaultPolicyType string
	DefaultLevel      string
	Timeout           time.Duration
}

// Pipeline combines, masks and analyzes documents in the background
type Pipeline struct {
	config    *Config
	store     Store
	texts     TextSource
	generator Generator
	notifier  Notifier
	logger    *zap.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a pipeline. Background runs stop when ctx is cancelled.
func New(ctx context.Context, config *Config, st Store, texts TextSource, generator Generator, notifier Notifier, logger *zap.Logger) *Pipeline {
	if config.DefaultPolicyType == "" {
		config.DefaultPolicyType = "rc_generale"
	}
	if config.DefaultLevel == "" {
		config.DefaultLevel = "base"
	}
	return &Pipeline{
		config:    config,
		store:     st,
		texts:     texts,
		generator: generator,
		notifier:  notifier,
		logger:    logger,
		ctx:       ctx,
	}
}

// ParseIDs parses a comma-separated id list, keeping order and skipping blanks
func ParseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIDs, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Start records a new analysis and runs it in the background. Unknown
// document ids are dropped; if none remain store.ErrNotFound is returned.
func (p *Pipeline) Start(ctx context.Context, req Request) (*store.Analysis, error) {
	if len(req.DocumentIDs) == 0 {
		return nil, ErrNoDocuments
	}

	if req.Compare {
		if n := len(uniqueIDs(req.DocumentIDs)); n < MinCompareDocuments || n > MaxCompareDocuments {
			return nil, fmt.Errorf("%w, got %d", ErrCompareCount, n)
		}
	}

	docs, err := p.store.GetDocuments(ctx, req.DocumentIDs)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("documents %v: %w", req.DocumentIDs, store.ErrNotFound)
	}

	req.PolicyType = sanitizeName(req.PolicyType, p.config.DefaultPolicyType)
	req.Level = sanitizeName(req.Level, p.config.DefaultLevel)
	if req.Compare {
		// every compared document must exist
		if missing := missingIDs(req.DocumentIDs, docs); len(missing) > 0 {
			return nil, fmt.Errorf("documents %v: %w", missing, store.ErrNotFound)
		}
		req.Level = CompareLevel
		req.Inputs.Others = masking.JoinOthers(req.Inputs.Others)
	}

	ids := make([]int64, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	primary := docs[0].ID

	a := &store.Analysis{
		DocumentID:        &primary,
		SourceDocumentIDs: store.EncodeIDs(ids),
		Status:            store.StatusAnalyzing,
		PolicyType:        req.PolicyType,
		PromptLevel:       req.Level,
		LLMModel:          req.Model,
		MaskingSkipped:    req.SkipMasking,
	}
	if err := p.store.CreateAnalysis(ctx, a); err != nil {
		return nil, err
	}

	p.logger.Info("Analysis started",
		zap.Int64("analysis_id", a.ID),
		zap.Int64s("document_ids", ids),
		zap.String("policy_type", req.PolicyType),
		zap.String("level", req.Level),
		zap.Bool("compare", req.Compare),
		zap.Bool("masking_skipped", req.SkipMasking))
	p.notify(a.ID, store.StatusAnalyzing, "")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(a.ID, docs, req)
	}()

	return a, nil
}

// Wait blocks until every background run has finished
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(id int64, docs []*store.Document, req Request) {
	ctx := p.ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	log := p.logger.With(zap.Int64("analysis_id", id))

	if err := p.execute(ctx, id, docs, req, log); err != nil {
		log.Error("Analysis failed", zap.Error(err))
		status := store.StatusError
		message := err.Error()
		if uerr := p.store.UpdateAnalysis(context.Background(), id, store.AnalysisUpdate{
			Status:       &status,
			ErrorMessage: &message,
		}); uerr != nil {
			log.Error("Failed to record analysis error", zap.Error(uerr))
		}
		p.notify(id, store.StatusError, message)
		return
	}

	log.Info("Analysis completed", zap.Duration("duration", time.Since(start)))
	p.notify(id, store.StatusCompleted, "")
}

func (p *Pipeline) execute(ctx context.Context, id int64, docs []*store.Document, req Request, log *zap.Logger) error {
	combined, read, tokens := p.combine(ctx, docs, req.Compare, log)
	if req.Compare && read < MinCompareDocuments {
		return fmt.Errorf("text available for %d of the compared documents, at least %d needed", read, MinCompareDocuments)
	}
	if combined == "" {
		return fmt.Errorf("no extracted text available for the selected documents")
	}
	if err := p.store.UpdateAnalysis(ctx, id, store.AnalysisUpdate{TotalTokens: &tokens}); err != nil {
		return err
	}

	maskedText := combined
	mapping := map[string]string{}
	if !req.SkipMasking {
		result := masking.MaskDocument(combined, req.Inputs)
		maskedText = result.Masked
		mapping = result.ReverseMapping
		log.Info("Text masked", zap.Int("rules_applied", len(result.Replacements)))
	}

	suffix := ".combined.masked.txt"
	if req.Compare {
		suffix = ".confronto.masked.txt"
	}
	maskedPath, err := p.writeMasked(docs[0].StoredFilename+suffix, maskedText)
	if err != nil {
		return err
	}
	mappingJSON, err := masking.SerializeMapping(mapping)
	if err != nil {
		return err
	}

	masked := store.StatusMasked
	if err := p.store.UpdateAnalysis(ctx, id, store.AnalysisUpdate{
		Status:             &masked,
		MaskedTextPath:     &maskedPath,
		ReverseMappingJSON: &mappingJSON,
	}); err != nil {
		return err
	}
	p.notify(id, store.StatusMasked, "")

	var instructions, template string
	if req.Compare {
		instructions, template, err = p.loadComparePrompt(req.PolicyType)
	} else {
		instructions, template, err = p.loadPrompt(req.PolicyType, req.Level)
	}
	if err != nil {
		return err
	}

	analyzing := store.StatusAnalyzing
	if err := p.store.UpdateAnalysis(ctx, id, store.AnalysisUpdate{Status: &analyzing}); err != nil {
		return err
	}
	p.notify(id, store.StatusAnalyzing, "")

	result, err := p.generator.Generate(ctx, req.Model, llm.BuildPrompt(instructions, maskedText, template))
	if err != nil {
		return fmt.Errorf("analysis request failed: %w", err)
	}

	reportMasked := llm.PostProcess(result.Text)
	reportDisplay := reportMasked
	if !req.SkipMasking {
		reportDisplay = masking.Repopulate(reportMasked, mapping)
	}

	completed := store.StatusCompleted
	return p.store.UpdateAnalysis(ctx, id, store.AnalysisUpdate{
		Status:            &completed,
		LLMModel:          &result.Model,
		ReportHTMLMasked:  &reportMasked,
		ReportHTMLDisplay: &reportDisplay,
		Completed:         true,
	})
}

// combine joins the texts of docs under a header naming each file and
// returns how many documents had text. Comparisons number the documents in
// request order. Documents without text are skipped.
func (p *Pipeline) combine(ctx context.Context, docs []*store.Document, compare bool, log *zap.Logger) (string, int, int) {
	var b strings.Builder
	read, tokens := 0, 0
	for i, doc := range docs {
		text, err := p.texts.Read(ctx, doc)
		if err != nil {
			log.Warn("Skipping document without text", zap.Int64("document_id", doc.ID), zap.Error(err))
			continue
		}
		if compare {
			fmt.Fprintf(&b, "\n\n=== DOCUMENTO %d: %s ===\n\n", i+1, doc.OriginalFilename)
		} else {
			fmt.Fprintf(&b, "\n\n--- DOCUMENTO: %s ---\n\n", doc.OriginalFilename)
		}
		b.WriteString(text)
		read++
		tokens += doc.TokenCount
	}
	return strings.TrimSpace(b.String()), read, tokens
}

func (p *Pipeline) writeMasked(name, text string) (string, error) {
	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(p.config.OutputDir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write masked text: %w", err)
	}
	return path, nil
}

// loadPrompt reads prompts/<type>/<level>.txt (falling back to base.txt) and
// template_<level>.html (falling back to template.html)
func (p *Pipeline) loadPrompt(policyType, level string) (string, string, error) {
	dir := filepath.Join(p.config.PromptsDir, policyType)

	instructions, err := readFirst(
		filepath.Join(dir, level+".txt"),
		filepath.Join(dir, "base.txt"),
	)
	if err != nil {
		return "", "", fmt.Errorf("prompt for %s/%s: %w", policyType, level, err)
	}

	template, err := readFirst(
		filepath.Join(dir, "template_"+level+".html"),
		filepath.Join(dir, "template.html"),
		filepath.Join(dir, "Template.html"),
	)
	if err != nil {
		return "", "", fmt.Errorf("template for %s/%s: %w", policyType, level, err)
	}

	return instructions, template, nil
}

// loadComparePrompt reads confronto_polizze/<type>/base.txt and template.html,
// falling back to the default policy type when the type has no comparison prompt
func (p *Pipeline) loadComparePrompt(policyType string) (string, string, error) {
	dir := filepath.Join(p.config.PromptsDir, compareDir, policyType)
	fallback := filepath.Join(p.config.PromptsDir, compareDir, p.config.DefaultPolicyType)

	instructions, err := readFirst(
		filepath.Join(dir, "base.txt"),
		filepath.Join(fallback, "base.txt"),
	)
	if err != nil {
		return "", "", fmt.Errorf("comparison prompt for %s: %w", policyType, err)
	}

	template, err := readFirst(
		filepath.Join(dir, "template.html"),
		filepath.Join(fallback, "template.html"),
	)
	if err != nil {
		return "", "", fmt.Errorf("comparison template for %s: %w", policyType, err)
	}

	return instructions, template, nil
}

func readFirst(paths ...string) (string, error) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("none of %s found: %w", strings.Join(paths, ", "), os.ErrNotExist)
}

func (p *Pipeline) notify(id int64, status store.AnalysisStatus, message string) {
	if p.notifier != nil {
		p.notifier.AnalysisStatus(id, string(status), message)
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

// missingIDs lists the requested ids that have no document in docs
func missingIDs(ids []int64, docs []*store.Document) []int64 {
	found := make(map[int64]bool, len(docs))
	for _, doc := range docs {
		found[doc.ID] = true
	}
	var missing []int64
	for _, id := range uniqueIDs(ids) {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// sanitizeName keeps letters, digits, '_' and '-' so the value is safe in a path
func sanitizeName(value, fallback string) string {
	var b strings.Builder
	for _, r := range value {
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
