package masking

import (
	"regexp"
	"strings"

	"github.com/Mao74/insurance-analyzer/internal/logger"
	"go.uber.org/zap"
)

// Engine recomputes masking previews with a fixed renderer
type Engine struct {
	renderer Renderer
	logger   *logger.Logger
}

// NewEngine creates a preview engine. A nil renderer falls back to PlainRenderer.
func NewEngine(renderer Renderer, log *logger.Logger) *Engine {
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	return &Engine{
		renderer: renderer,
		logger:   log,
	}
}

// Recompute renders the active document of the session against the inputs
func (e *Engine) Recompute(session *Session, in Inputs) Preview {
	preview := Recompute(session, in, e.renderer)

	if e.logger != nil && preview.Count > 0 {
		e.logger.Debug("Masking preview recomputed",
			zap.String("doc_id", preview.DocID),
			zap.Int("count", preview.Count),
			zap.Int("rules_matched", len(preview.Findings)),
		)
	}

	return preview
}

// Recompute is the pure preview transform: it reads the session's active
// document and the current inputs and never mutates either.
func Recompute(session *Session, in Inputs, r Renderer) Preview {
	preview := Preview{Note: ScopeNote}
	if session == nil {
		return preview
	}

	preview.DocID = session.Active()
	original, ok := session.Original(preview.DocID)
	if !ok {
		return preview
	}

	preview.Text, preview.Count, preview.Findings = Apply(original, BuildRules(in), r)
	return preview
}

// Apply runs the rules sequentially over text. Each rule counts its matches
// against the running plain text before replacing them, so later rules see the
// placeholders inserted by earlier ones but never the values already replaced.
// Matching never sees renderer output: escaping and markers are applied once,
// after the last rule.
func Apply(text string, rules []Rule, r Renderer) (string, int, []Finding) {
	if r == nil {
		r = PlainRenderer{}
	}

	spans := []span{{text: text}}
	total := 0
	var findings []Finding

	for _, rule := range rules {
		value := strings.TrimSpace(rule.Value)
		if value == "" {
			continue
		}

		matches := literalPattern(value).FindAllStringIndex(joinSpans(spans), -1)
		if len(matches) == 0 {
			continue
		}

		spans = replaceSpans(spans, matches, rule.Placeholder)
		total += len(matches)
		findings = append(findings, Finding{
			Field:       rule.Field,
			Placeholder: rule.Placeholder,
			Count:       len(matches),
		})
	}

	var b strings.Builder
	for _, s := range spans {
		if s.marker {
			b.WriteString(r.Mark(s.text))
		} else {
			b.WriteString(r.Escape(s.text))
		}
	}
	return b.String(), total, findings
}

// span is a run of the masked text: original text, or a whole placeholder
// inserted by a rule
type span struct {
	text   string
	marker bool
}

func joinSpans(spans []span) string {
	var b strings.Builder
	for _, s := range spans {
		b.WriteString(s.text)
	}
	return b.String()
}

// replaceSpans swaps the byte ranges in matches (ascending, non-overlapping)
// for placeholder markers. A marker cut by a match keeps its remaining bytes
// as plain text.
func replaceSpans(spans []span, matches [][]int, placeholder string) []span {
	out := make([]span, 0, len(spans)+2*len(matches))
	pos := 0
	for _, m := range matches {
		out = appendRange(out, spans, pos, m[0])
		out = append(out, span{text: placeholder, marker: true})
		pos = m[1]
	}
	return appendRange(out, spans, pos, -1)
}

// appendRange appends the part of spans covering bytes [from, to) of the
// joined text; to < 0 means the end
func appendRange(out, spans []span, from, to int) []span {
	offset := 0
	for _, s := range spans {
		start, end := offset, offset+len(s.text)
		offset = end
		if to >= 0 && start >= to {
			break
		}
		if end <= from {
			continue
		}

		lo, hi := 0, len(s.text)
		if from > start {
			lo = from - start
		}
		if to >= 0 && to < end {
			hi = to - start
		}
		if lo == hi {
			continue
		}
		if s.marker && lo == 0 && hi == len(s.text) {
			out = append(out, s)
			continue
		}
		out = append(out, span{text: s.text[lo:hi]})
	}
	return out
}

// literalPattern compiles a case-insensitive pattern matching value literally
func literalPattern(value string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(value))
}
