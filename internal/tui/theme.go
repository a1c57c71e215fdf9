package tui

import "github.com/charmbracelet/lipgloss"

// Theme 定义仪表盘色彩和样式
// Theme defines dashboard colors and styles
type Theme struct {
	// 基础色 / Base colors
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Danger    lipgloss.Color
	Warning   lipgloss.Color
	Success   lipgloss.Color
	Muted     lipgloss.Color
	Text      lipgloss.Color
	TextDim   lipgloss.Color
	Border    lipgloss.Color

	// 预构建样式 / Pre-built styles
	TitleStyle       lipgloss.Style
	HeadingStyle     lipgloss.Style
	ActiveTabStyle   lipgloss.Style
	InactiveTabStyle lipgloss.Style
	StatusBarStyle   lipgloss.Style
	SidebarStyle     lipgloss.Style
	PanelStyle       lipgloss.Style
	ErrorStyle       lipgloss.Style
	SuccessStyle     lipgloss.Style
	WarningStyle     lipgloss.Style
	MutedStyle       lipgloss.Style
	PausedStyle      lipgloss.Style
	BarFillStyle     lipgloss.Style
	BarOverStyle     lipgloss.Style
	BarEmptyStyle    lipgloss.Style
}

// DarkTheme 暗色主题（默认）
// DarkTheme is the default dark theme
func DarkTheme() Theme {
	t := Theme{
		Primary:   lipgloss.Color("#7C3AED"),
		Secondary: lipgloss.Color("#06B6D4"),
		Danger:    lipgloss.Color("#EF4444"),
		Warning:   lipgloss.Color("#F59E0B"),
		Success:   lipgloss.Color("#10B981"),
		Muted:     lipgloss.Color("#6B7280"),
		Text:      lipgloss.Color("#E5E7EB"),
		TextDim:   lipgloss.Color("#9CA3AF"),
		Border:    lipgloss.Color("#374151"),
	}

	t.TitleStyle = lipgloss.NewStyle().
		Foreground(t.Primary).
		Bold(true)

	t.HeadingStyle = lipgloss.NewStyle().
		Foreground(t.Secondary).
		Bold(true)

	t.ActiveTabStyle = lipgloss.NewStyle().
		Foreground(t.Text).
		Background(t.Primary).
		Padding(0, 1).
		Bold(true)

	t.InactiveTabStyle = lipgloss.NewStyle().
		Foreground(t.TextDim).
		Padding(0, 1)

	t.StatusBarStyle = lipgloss.NewStyle().
		Foreground(t.TextDim).
		Background(lipgloss.Color("#111827"))

	t.SidebarStyle = lipgloss.NewStyle().
		Foreground(t.Text).
		BorderLeft(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(t.Border).
		PaddingLeft(1)

	t.PanelStyle = lipgloss.NewStyle().
		Foreground(t.Text)

	t.ErrorStyle = lipgloss.NewStyle().
		Foreground(t.Danger).
		Bold(true)

	t.SuccessStyle = lipgloss.NewStyle().
		Foreground(t.Success)

	t.WarningStyle = lipgloss.NewStyle().
		Foreground(t.Warning)

	t.MutedStyle = lipgloss.NewStyle().
		Foreground(t.Muted)

	t.PausedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Warning).
		Bold(true).
		Padding(0, 1)

	t.BarFillStyle = lipgloss.NewStyle().
		Foreground(t.Success)

	t.BarOverStyle = lipgloss.NewStyle().
		Foreground(t.Danger)

	t.BarEmptyStyle = lipgloss.NewStyle().
		Foreground(t.Border)

	return t
}
