package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/rpggio/storyloom/internal/domain/budget"
)

var (
	colorBorder = lipgloss.Color("#575653")
	colorText   = lipgloss.Color("#FFFCF0")
	colorAccent = lipgloss.Color("#3AA99F")
	colorGreen  = lipgloss.Color("#879A39")
	colorOrange = lipgloss.Color("#DA702C")
	colorRed    = lipgloss.Color("#D14D41")
	colorMuted  = lipgloss.Color("#6F6E69")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorText).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	dimStyle    = lipgloss.NewStyle().Foreground(colorBorder)
)

const barWidth = 30

// table is a bordered text table. The first column is left-aligned, the
// rest right-aligned.
type table struct {
	headers []string
	rows    [][]string
}

func renderTitle(title string) string {
	return titleStyle.Render(title)
}

func renderTable(t table) string {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	rule := func(left, mid, right string) string {
		parts := make([]string, len(widths))
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return dimStyle.Render(left+strings.Join(parts, mid)+right) + "\n"
	}
	line := func(cells []string, style lipgloss.Style) string {
		var b strings.Builder
		b.WriteString(dimStyle.Render("│"))
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := strings.Repeat(" ", w-lipgloss.Width(cell))
			if i == 0 {
				cell = cell + pad
			} else {
				cell = pad + cell
			}
			b.WriteString(style.Render(" " + cell + " "))
			b.WriteString(dimStyle.Render("│"))
		}
		return b.String() + "\n"
	}

	var b strings.Builder
	b.WriteString(rule("╭", "┬", "╮"))
	b.WriteString(line(t.headers, headerStyle))
	b.WriteString(rule("├", "┼", "┤"))
	for _, row := range t.rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
	}
	b.WriteString(rule("╰", "┴", "╯"))
	return b.String()
}

// levelColor maps a budget level to its bar color.
func levelColor(level budget.Level) lipgloss.Color {
	switch level {
	case budget.LevelCritical:
		return colorRed
	case budget.LevelWarning:
		return colorOrange
	default:
		return colorGreen
	}
}

// budgetBar renders the context budget as a filled bar with a percentage.
func budgetBar(s budget.Status) string {
	filled := int(math.Round(s.Percentage / 100 * barWidth))
	filled = max(0, min(barWidth, filled))
	bar := lipgloss.NewStyle().Foreground(levelColor(s.Level)).Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %5.1f%%  %s / %s tokens", bar, s.Percentage, formatTokens(s.CurrentTokens), formatTokens(s.MaxTokens))
}

func formatTokens(n int) string {
	return humanize.Comma(int64(n))
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatRemaining(seconds int, expired bool) string {
	if expired {
		return "expired"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
