// Package theme provides the Lip Gloss color palette and reusable styles
// for the observer console. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Protocol colors.
var (
	ColorTerminal  = lipgloss.Color("#22c55e")
	ColorDesktop   = lipgloss.Color("#3b82f6")
	ColorDatabase  = lipgloss.Color("#f59e0b")
	ColorContainer = lipgloss.Color("#a855f7")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// Close reason colors.
var (
	ColorClient   = lipgloss.Color("#16a34a")
	ColorTimeout  = lipgloss.Color("#d97706")
	ColorShutdown = lipgloss.Color("#dc2626")
)

// Idle thresholds for the last-seen column.
var (
	ColorFresh = lipgloss.Color("#22c55e") // < 1m
	ColorStale = lipgloss.Color("#d97706") // 1-5m
	ColorIdle  = lipgloss.Color("#dc2626") // > 5m
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#2563eb")
)

// ProtocolColor returns the Lip Gloss color for a protocol id.
func ProtocolColor(protocol string) lipgloss.Color {
	switch protocol {
	case "terminal":
		return ColorTerminal
	case "desktop":
		return ColorDesktop
	case "database":
		return ColorDatabase
	case "container":
		return ColorContainer
	default:
		return ColorDefault
	}
}

// ProtocolBadge returns a colored badge string for a protocol id.
func ProtocolBadge(protocol string) string {
	var badge string
	switch protocol {
	case "terminal":
		badge = "[T]"
	case "desktop":
		badge = "[D]"
	case "database":
		badge = "[B]"
	case "container":
		badge = "[C]"
	default:
		badge = "[?]"
	}
	return lipgloss.NewStyle().Foreground(ProtocolColor(protocol)).Render(badge)
}

// ReasonColor returns the color for a close reason.
func ReasonColor(reason string) lipgloss.Color {
	switch reason {
	case "client":
		return ColorClient
	case "timeout":
		return ColorTimeout
	case "shutdown":
		return ColorShutdown
	default:
		return ColorDefault
	}
}

// IdleColor returns the color for how long a session has been silent.
func IdleColor(idleSec float64) lipgloss.Color {
	switch {
	case idleSec > 300:
		return ColorIdle
	case idleSec > 60:
		return ColorStale
	default:
		return ColorFresh
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
