package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Dashboard renders collector stats for terminal display.
type Dashboard struct {
	collector *Collector
	styles    DashboardStyles
	width     int
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard(collector *Collector) *Dashboard {
	return &Dashboard{
		collector: collector,
		width:     80,
		styles:    defaultDashboardStyles(),
	}
}

func defaultDashboardStyles() DashboardStyles {
	return DashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")),
		Success:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82")),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// Render returns the bordered multi-line dashboard.
func (d *Dashboard) Render() string {
	stats := d.collector.SessionStats()

	var content strings.Builder
	content.WriteString(d.styles.Header.Render("TURNS"))
	content.WriteString("\n")

	content.WriteString(fmt.Sprintf("%s %s │ %s %s │ %s %s\n",
		d.styles.Label.Render("Session:"),
		d.styles.Value.Render(fmt.Sprintf("%d turns", stats.TurnCount)),
		d.styles.Label.Render("Approved:"),
		d.formatApprovalRate(approvalRate(stats)),
		d.styles.Label.Render("Latency:"),
		d.styles.Value.Render(fmt.Sprintf("%.2fs avg", avgLatency(stats))),
	))

	content.WriteString(fmt.Sprintf("%s %s │ %s %s │ %s %s\n",
		d.styles.Label.Render("Specialists:"),
		d.styles.Value.Render(formatDistribution(stats.BySpecialist)),
		d.styles.Label.Render("Fallbacks:"),
		d.styles.Highlight.Render(fmt.Sprintf("%d", stats.FallbackCount)),
		d.styles.Label.Render("Degraded:"),
		d.styles.Highlight.Render(fmt.Sprintf("%d", stats.DegradedCount)),
	))

	reasons := stats.TopReasons(3)
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s ×%d", r.Reason, r.Count))
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	content.WriteString(fmt.Sprintf("%s %s │ %s %s",
		d.styles.Label.Render("Rejections:"),
		d.styles.Error.Render(strings.Join(parts, ", ")),
		d.styles.Label.Render("Last:"),
		d.styles.Value.Render(lastEvent(stats)),
	))

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact() string {
	stats := d.collector.SessionStats()
	return fmt.Sprintf("[Turns] %d │ %.0f%% approved │ %d rejected │ %.2fs avg │ %s",
		stats.TurnCount,
		approvalRate(stats),
		stats.RejectedCount,
		avgLatency(stats),
		d.renderEventActivity(),
	)
}

func (d *Dashboard) formatApprovalRate(rate float64) string {
	formatted := fmt.Sprintf("%.0f%%", rate)
	if rate >= 90 {
		return d.styles.Success.Render(formatted)
	} else if rate >= 70 {
		return d.styles.Highlight.Render(formatted)
	}
	return d.styles.Error.Render(formatted)
}

func (d *Dashboard) renderEventActivity() string {
	events := d.collector.RecentEvents(5)
	activity := make([]string, 5)
	for i := range activity {
		if i < len(events) {
			activity[i] = "●"
		} else {
			activity[i] = "○"
		}
	}
	return strings.Join(activity, "")
}

func approvalRate(s SessionStats) float64 {
	if s.TurnCount == 0 {
		return 100
	}
	return float64(s.ApprovedCount) / float64(s.TurnCount) * 100
}

func avgLatency(s SessionStats) float64 {
	if s.TurnCount == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.TurnCount) / 1000.0
}

func formatDistribution(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

func lastEvent(s SessionStats) string {
	if s.LastEvent == "" {
		return "none"
	}
	elapsed := time.Since(s.LastEventTime)
	switch {
	case elapsed < time.Second:
		return s.LastEvent + " (now)"
	case elapsed < time.Minute:
		return fmt.Sprintf("%s (%.0fs)", s.LastEvent, elapsed.Seconds())
	default:
		return fmt.Sprintf("%s (%.0fm)", s.LastEvent, elapsed.Minutes())
	}
}
