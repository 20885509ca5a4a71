package llm

import (
	"fmt"
	"html"
	"strings"
)

const promptFrame = `%s

---
DOCUMENTO DA ANALIZZARE:
---
%s
---

TEMPLATE HTML DA COMPILARE:
%s

Restituisci l'intero documento HTML, da <!DOCTYPE html> a </html>, compilando solo i segnaposto del template.
I segnaposto di mascheramento come [CONTRAENTE_XXX], [POLIZZA_XXX], [PIVA_XXX], [CF_XXX], [ASSICURATO_XXX]
e [DATO_OSCURATO_N] vanno copiati nel report esattamente come compaiono nel documento.
`

// BuildPrompt assembles the instructions, the (masked) document and the HTML template
func BuildPrompt(instructions, document, template string) string {
	return fmt.Sprintf(promptFrame, strings.TrimSpace(instructions), document, template)
}

// StripCodeFences removes a markdown code block wrapper and any preamble before it
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)

	if start := strings.Index(text, "```"); start >= 0 {
		if nl := strings.Index(text[start:], "\n"); nl >= 0 {
			text = text[start+nl+1:]
		} else {
			text = strings.TrimPrefix(text[start+3:], "html")
		}
	}

	text = strings.TrimRight(text, " \t\r\n")
	text = strings.TrimSuffix(text, "```")

	return strings.TrimSpace(text)
}

// IsHTMLDocument reports whether text is a complete HTML document rather
// than markdown or a truncated fragment
func IsHTMLDocument(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range []string{"---", "# ", "**"} {
		if strings.HasPrefix(trimmed, marker) {
			return false
		}
	}

	lower := strings.ToLower(trimmed)
	if !strings.Contains(lower, "</body>") && !strings.Contains(lower, "</html>") {
		return false
	}

	hasDoctype := strings.Contains(lower, "<!doctype")
	hasHTML := strings.Contains(lower, "<html")
	if hasDoctype && hasHTML {
		return true
	}
	return strings.Contains(lower, "<body") && strings.Contains(lower, "</html>")
}

// PostProcess cleans model output into the stored report. Output that is
// not an HTML document is replaced by an error page quoting it.
func PostProcess(output string) string {
	report := StripCodeFences(output)
	if report == "" {
		return errorPage("Il modello non ha restituito alcun contenuto.", "")
	}
	if !IsHTMLDocument(report) {
		return errorPage("Il modello non ha compilato il template HTML.", report)
	}
	return report
}

func errorPage(message, raw string) string {
	if len([]rune(raw)) > 5000 {
		raw = string([]rune(raw)[:5000])
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"it\">\n<head><meta charset=\"UTF-8\"><title>Errore Generazione</title></head>\n<body>\n")
	b.WriteString("<h1>Errore nella generazione del report</h1>\n")
	fmt.Fprintf(&b, "<div class=\"error-box\"><p>%s</p></div>\n", html.EscapeString(message))
	if raw != "" {
		fmt.Fprintf(&b, "<h2>Output ricevuto</h2>\n<pre class=\"raw-output\">%s</pre>\n", html.EscapeString(raw))
	}
	b.WriteString("<p>Prova a rilanciare l'analisi o riduci la dimensione del documento.</p>\n</body>\n</html>")
	return b.String()
}
