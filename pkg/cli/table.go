package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// RenderTable renders rows as a left-aligned column table with a bold
// header. Cell widths adapt to the widest value per column.
func RenderTable(s Styles, header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range header {
		b.WriteString(s.Label.Render(pad(h, widths[i])))
		b.WriteString("  ")
	}
	b.WriteString("\n")
	b.WriteString(s.Help.Render(strings.Repeat("─", totalWidth(widths))))
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(pad(cell, widths[i]))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2
	}
	return total
}
