package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

// Model holds the status bar state.
type Model struct {
	Connected   bool
	Total       int
	PerProtocol map[string]int
	Notice      string // last action result, e.g. a failed close
	Width       int
}

// New creates a status bar model.
func New() Model {
	return Model{PerProtocol: make(map[string]int)}
}

// SetCounts replaces the per-protocol session counts.
func (m *Model) SetCounts(perProtocol map[string]int) {
	m.PerProtocol = perProtocol
	m.Total = 0
	for _, n := range perProtocol {
		m.Total += n
	}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	counts := fmt.Sprintf("%d active", m.Total)

	protocols := make([]string, 0, len(m.PerProtocol))
	for p := range m.PerProtocol {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)
	var protoParts []string
	for _, p := range protocols {
		protoParts = append(protoParts, lipgloss.NewStyle().Foreground(theme.ProtocolColor(p)).Render(
			fmt.Sprintf("%s: %d", p, m.PerProtocol[p]),
		))
	}
	protoStr := strings.Join(protoParts, "  ")

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if protoStr != "" {
		content += sep + protoStr
	}
	if m.Notice != "" {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(m.Notice)
	}

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	return bar
}
