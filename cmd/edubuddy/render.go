package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTPUT STYLES
// ═══════════════════════════════════════════════════════════════════════════════

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle    = lipgloss.NewStyle().Bold(true)
	okStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
	warnStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	replyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

func init() {
	// Plain output when piped or NO_COLOR is set.
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

const outputWidth = 80

// renderMarkdown renders model output, which is often markdown, for the
// terminal. It falls back to the raw text.
func renderMarkdown(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(outputWidth-4),
	)
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

func field(label string, value any) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label+":"), valueStyle.Render(fmt.Sprint(value)))
}

func verdictStyle(verdict string) lipgloss.Style {
	if verdict == "approved" {
		return okStyle
	}
	return errorStyle
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
