package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	colorGreen  = lipgloss.Color("#4ade80")
	colorYellow = lipgloss.Color("#facc15")
	colorRed    = lipgloss.Color("#f87171")
	colorCyan   = lipgloss.Color("#22d3ee")
	colorWhite  = lipgloss.Color("#e5e7eb")
	colorGray   = lipgloss.Color("#6b7280")
	colorDim    = lipgloss.Color("#374151")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	logoStyle   = lipgloss.NewStyle().Foreground(colorCyan)
	textStyle   = lipgloss.NewStyle().Foreground(colorWhite)
	headerStyle = lipgloss.NewStyle().Foreground(colorWhite).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	promptStyle = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorRed)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorGray)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(1, 2)
)

func kv(k, v string, vc lipgloss.Color) string {
	return mutedStyle.Render(k+" ") + lipgloss.NewStyle().Foreground(vc).Render(v)
}

func divider(w int) string {
	return lipgloss.NewStyle().Foreground(colorDim).Render(strings.Repeat("─", w))
}

func dimText(s string) string {
	return mutedStyle.Render(s)
}

func truncate(s string, maxWidth int) string {
	if maxWidth < 1 {
		return ""
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	runes := []rune(s)
	if len(runes) > maxWidth-1 {
		return string(runes[:maxWidth-1]) + "…"
	}
	return s
}
