// Package render formats harness results for the terminal.
package render

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary    = lipgloss.Color("#7C3AED")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")

	// Muted text style
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary).
		Padding(0, 2)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	Label = lipgloss.NewStyle().
		Foreground(MutedColor).
		Width(24)

	Value = lipgloss.NewStyle().
		Bold(true).
		Foreground(White)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)
)

// actionStyle picks a status style for a recommended action or threat level.
func actionStyle(s string) lipgloss.Style {
	switch s {
	case "ISOLATE_AND_INVESTIGATE", "ENGAGE_INCIDENT_RESPONSE", "critical":
		return StatusError
	case "ALERT_SOC", "BLOCK_PREDICTED_TOOLS", "HUNT_ATTRIBUTED_TTPS", "high":
		return StatusWarning
	case "MONITOR", "low":
		return StatusOK
	}
	return Value
}
