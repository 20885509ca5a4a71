package masking

import (
	"fmt"
	"html"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Renderer decides how text is prepared for display and how a replaced span
// is marked. Escape receives the unmatched runs of the original text only;
// matching always happens on the plain text.
type Renderer interface {
	Escape(s string) string
	Mark(placeholder string) string
}

// PlainRenderer substitutes the bare placeholder
type PlainRenderer struct{}

func (PlainRenderer) Escape(s string) string { return s }

func (PlainRenderer) Mark(placeholder string) string { return placeholder }

// HTMLRenderer produces markup for the browser preview
type HTMLRenderer struct {
	Class string
}

func (h HTMLRenderer) Escape(s string) string {
	return html.EscapeString(s)
}

func (h HTMLRenderer) Mark(placeholder string) string {
	class := h.Class
	if class == "" {
		class = "masked"
	}
	label := html.EscapeString(placeholder)
	return fmt.Sprintf(`<mark class="%s" data-placeholder="%s">%s</mark>`, html.EscapeString(class), label, label)
}

// TerminalRenderer highlights placeholders with ANSI colours
type TerminalRenderer struct {
	highlight *color.Color
}

// NewTerminalRenderer creates a renderer for out; colour is disabled when out
// is not a terminal.
func NewTerminalRenderer(out *os.File) *TerminalRenderer {
	c := color.New(color.FgBlack, color.BgYellow, color.Bold)
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return &TerminalRenderer{highlight: c}
}

func (t *TerminalRenderer) Escape(s string) string { return s }

func (t *TerminalRenderer) Mark(placeholder string) string {
	return t.highlight.Sprint(placeholder)
}
