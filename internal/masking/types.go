package masking

// Field identifies one of the fixed identity inputs of the masking form
type Field string

const (
	FieldPolicyNumber Field = "numero_polizza"
	FieldPolicyholder Field = "contraente"
	FieldVATNumber    Field = "partita_iva"
	FieldFiscalCode   Field = "codice_fiscale"
	FieldInsuredParty Field = "assicurato"
	FieldAddress      Field = "indirizzo"
	FieldCity         Field = "citta"
	FieldPostalCode   Field = "cap"
)

// ScopeNote accompanies every preview count
const ScopeNote = "Occorrenze conteggiate solo nel documento corrente"

// Rule is a single (value, placeholder) redaction pair
type Rule struct {
	Field       string `json:"field"`
	Value       string `json:"value"`
	Placeholder string `json:"placeholder"`
}

// Inputs holds the live values of the masking form.
// Others carries the free-text list, one entry per line.
type Inputs struct {
	PolicyNumber string `json:"numero_polizza" yaml:"policy_number"`
	Policyholder string `json:"contraente" yaml:"policyholder"`
	VATNumber    string `json:"partita_iva" yaml:"vat_number"`
	FiscalCode   string `json:"codice_fiscale" yaml:"fiscal_code"`
	InsuredParty string `json:"assicurato" yaml:"insured_party"`
	Address      string `json:"indirizzo" yaml:"address"`
	City         string `json:"citta" yaml:"city"`
	PostalCode   string `json:"cap" yaml:"postal_code"`
	Others       string `json:"altri" yaml:"-"`
}

// Finding reports how many occurrences a single rule replaced
type Finding struct {
	Field       string `json:"field"`
	Placeholder string `json:"placeholder"`
	Count       int    `json:"count"`
}

// Preview is the result of one recompute pass over the active document
type Preview struct {
	DocID    string    `json:"doc_id"`
	Text     string    `json:"preview"`
	Count    int       `json:"count"`
	Note     string    `json:"note"`
	Findings []Finding `json:"findings,omitempty"`
}
