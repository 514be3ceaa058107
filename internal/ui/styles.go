// Package ui renders posmirror's terminal output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Init picks the color profile for out. Color is dropped when noColor is
// set, NO_COLOR (or CLICOLOR=0) is in the environment, or out is not a
// terminal.
func Init(out *os.File, noColor bool) {
	if noColor || termenv.EnvNoColor() || !IsTerminal(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of f, or fallback when unknown.
func Width(f *os.File, fallback int) int {
	if !IsTerminal(f) {
		return fallback
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
