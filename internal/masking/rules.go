package masking

import (
	"fmt"
	"strings"
)

// fixedRule binds a form field to its static placeholder
type fixedRule struct {
	field       Field
	placeholder string
	value       func(Inputs) string
}

// fixedRules lists the named rules in application order
var fixedRules = []fixedRule{
	{FieldPolicyNumber, "[POLIZZA_XXX]", func(in Inputs) string { return in.PolicyNumber }},
	{FieldPolicyholder, "[CONTRAENTE_XXX]", func(in Inputs) string { return in.Policyholder }},
	{FieldVATNumber, "[PIVA_XXX]", func(in Inputs) string { return in.VATNumber }},
	{FieldFiscalCode, "[CF_XXX]", func(in Inputs) string { return in.FiscalCode }},
	{FieldInsuredParty, "[ASSICURATO_XXX]", func(in Inputs) string { return in.InsuredParty }},
	{FieldAddress, "[INDIRIZZO_XXX]", func(in Inputs) string { return in.Address }},
	{FieldCity, "[CITTA_XXX]", func(in Inputs) string { return in.City }},
	{FieldPostalCode, "[CAP_XXX]", func(in Inputs) string { return in.PostalCode }},
}

// OtherPlaceholder returns the placeholder of the n-th (1-based) free-text entry
func OtherPlaceholder(n int) string {
	return fmt.Sprintf("[DATO_OSCURATO_%d]", n)
}

// JoinOthers normalizes a free-text list separated by ';' or newlines into
// the one-entry-per-line form read by SplitOthers
func JoinOthers(raw string) string {
	return strings.Join(SplitOthers(strings.ReplaceAll(raw, ";", "\n")), "\n")
}

// SplitOthers returns the trimmed, non-empty lines of the free-text field
func SplitOthers(raw string) []string {
	var values []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			values = append(values, line)
		}
	}
	return values
}

// BuildRules turns the form state into the ordered rule list: fixed rules
// first in declared order, then free-text entries in list order. Blank values
// are dropped here, so every returned rule has a non-empty value.
func BuildRules(in Inputs) []Rule {
	rules := make([]Rule, 0, len(fixedRules))
	for _, fr := range fixedRules {
		value := strings.TrimSpace(fr.value(in))
		if value == "" {
			continue
		}
		rules = append(rules, Rule{
			Field:       string(fr.field),
			Value:       value,
			Placeholder: fr.placeholder,
		})
	}

	for i, value := range SplitOthers(in.Others) {
		rules = append(rules, Rule{
			Field:       fmt.Sprintf("altro_%d", i+1),
			Value:       value,
			Placeholder: OtherPlaceholder(i + 1),
		})
	}

	return rules
}
