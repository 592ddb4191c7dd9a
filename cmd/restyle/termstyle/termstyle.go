// Package termstyle holds the lipgloss styles shared by the interactive
// commands. Colour is only used when the output is a terminal.
package termstyle

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Styles is a set of styles bound to one output.
type Styles struct {
	Header lipgloss.Style
	OK     lipgloss.Style
	Bad    lipgloss.Style
	Dim    lipgloss.Style
	Prompt lipgloss.Style
}

// New returns styles rendering for out.
func New(out io.Writer) Styles {
	r := lipgloss.NewRenderer(out)
	if !IsTerminal(out) {
		r.SetColorProfile(termenv.Ascii)
	}

	return Styles{
		Header: r.NewStyle().Bold(true),
		OK:     r.NewStyle().Foreground(lipgloss.Color("2")),
		Bad:    r.NewStyle().Foreground(lipgloss.Color("1")),
		Dim:    r.NewStyle().Faint(true),
		Prompt: r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
	}
}

// IsTerminal reports whether out is an interactive terminal.
func IsTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of out, or fallback.
func Width(out io.Writer, fallback int) int {
	f, ok := out.(*os.File)
	if !ok {
		return fallback
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Truncate shortens s to at most width cells, ANSI sequences excluded.
func Truncate(s string, width int) string {
	return ansi.Truncate(s, width, "…")
}
