package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// renderBar 渲染资源占用条，超过预算部分标红
// renderBar draws a usage bar; usage above the budget is drawn in the over style
func renderBar(percent, budget float64, width int, theme Theme) string {
	if width < 4 {
		width = 4
	}
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	fill := theme.BarFillStyle
	if budget > 0 && percent > budget {
		fill = theme.BarOverStyle
	}
	return "[" + fill.Render(strings.Repeat("█", filled)) +
		theme.BarEmptyStyle.Render(strings.Repeat("░", width-filled)) + "]"
}

// fit 按显示宽度截断或补齐，CJK 字符按两列计算
// fit truncates or pads s to exactly width display columns
func fit(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "…")
	}
	return runewidth.FillRight(s, width)
}

// clip truncates without padding, for the last column of a row.
func clip(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, width, "…")
}

func row(width int, cols []int, cells ...string) string {
	var b strings.Builder
	used := 0
	for i, c := range cells {
		if i == len(cells)-1 || i >= len(cols) {
			b.WriteString(clip(c, width-used))
			break
		}
		b.WriteString(fit(c, cols[i]))
		b.WriteByte(' ')
		used += cols[i] + 1
	}
	return strings.TrimRight(b.String(), " ")
}

func summarize(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(raw)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
