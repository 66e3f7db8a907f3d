// Package ui holds the terminal styles shared by the CLI.
package ui

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// DisableColor renders every style as plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// Adaptive colors pick a shade for light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	KeyStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderHeader(s string) string { return HeaderStyle.Render(s) }

// RenderKV renders an aligned "key value" row.
func RenderKV(key, value string) string {
	pad := keyWidth - lipgloss.Width(key)
	if pad < 1 {
		pad = 1
	}
	return KeyStyle.Render(key) + strings.Repeat(" ", pad) + value
}

const keyWidth = 18

// Level is the outcome of a check.
type Level int

const (
	Pass Level = iota
	Warn
	Fail
)

// Mark returns the check mark for a level.
func Mark(l Level) string {
	switch l {
	case Pass:
		return RenderPass("✓")
	case Warn:
		return RenderWarn("⚠")
	default:
		return RenderFail("✗")
	}
}

// RenderStatus colours a sync status word.
func RenderStatus(status string) string {
	switch status {
	case "done", "created", "updated", "deleted", "linked":
		return RenderPass(status)
	case "deferred", "queued", "circuit open":
		return RenderWarn(status)
	case "failed", "discarded":
		return RenderFail(status)
	default:
		return RenderMuted(status)
	}
}
