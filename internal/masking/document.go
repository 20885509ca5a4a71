package masking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Replacement describes one rule applied when masking a document for submission
type Replacement struct {
	Field       string `json:"campo"`
	Original    string `json:"originale"`
	Placeholder string `json:"mascherato"`
	Occurrences int    `json:"occorrenze"`
}

// MaskResult is the outcome of MaskDocument
type MaskResult struct {
	Masked         string            `json:"masked"`
	Replacements   []Replacement     `json:"replacements"`
	ReverseMapping map[string]string `json:"-"` // placeholder -> original, never serialized with the result
}

// MaskDocument masks text for submission to the analysis service. Unlike the
// preview, longer values are applied first so a full name is masked before a
// surname contained in it, and a space in a value matches any run of
// whitespace to survive line wrapping in extracted text.
func MaskDocument(text string, in Inputs) MaskResult {
	rules := BuildRules(in)
	sort.SliceStable(rules, func(i, j int) bool {
		return utf8.RuneCountInString(rules[i].Value) > utf8.RuneCountInString(rules[j].Value)
	})

	result := MaskResult{
		Masked:         text,
		Replacements:   []Replacement{},
		ReverseMapping: make(map[string]string),
	}

	for _, rule := range rules {
		pattern := whitespaceTolerantPattern(rule.Value)
		count := len(pattern.FindAllStringIndex(result.Masked, -1))
		if count == 0 {
			continue
		}

		result.Masked = pattern.ReplaceAllLiteralString(result.Masked, rule.Placeholder)
		result.ReverseMapping[rule.Placeholder] = rule.Value
		result.Replacements = append(result.Replacements, Replacement{
			Field:       rule.Field,
			Original:    rule.Value,
			Placeholder: rule.Placeholder,
			Occurrences: count,
		})
	}

	return result
}

// whitespaceTolerantPattern quotes value literally, except that each space
// matches one or more whitespace characters
func whitespaceTolerantPattern(value string) *regexp.Regexp {
	parts := strings.Split(value, " ")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(parts, `\s+`))
}

// Repopulate restores the original values in a report produced from masked text
func Repopulate(report string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return report
	}

	placeholders := make([]string, 0, len(mapping))
	for placeholder := range mapping {
		placeholders = append(placeholders, placeholder)
	}
	sort.Strings(placeholders)

	for _, placeholder := range placeholders {
		report = strings.ReplaceAll(report, placeholder, mapping[placeholder])
	}
	return report
}

// SerializeMapping encodes a reverse mapping for storage
func SerializeMapping(mapping map[string]string) (string, error) {
	if mapping == nil {
		mapping = map[string]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(mapping); err != nil {
		return "", fmt.Errorf("failed to encode reverse mapping: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DeserializeMapping decodes a stored reverse mapping; an empty string is an empty mapping
func DeserializeMapping(raw string) (map[string]string, error) {
	mapping := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return mapping, nil
	}
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return nil, fmt.Errorf("failed to decode reverse mapping: %w", err)
	}
	return mapping, nil
}
