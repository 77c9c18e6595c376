// Package detail renders the session info flyout overlay.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/client"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const (
	panelWidth = 64
	labelWidth = 14
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)

	styleError = lipgloss.NewStyle().
			Foreground(theme.ColorDanger)
)

// Model holds the state for the detail overlay.
type Model struct {
	Session    *client.Session
	CloseError string
	Now        func() time.Time
}

// New creates a detail model for the given session.
func New(s *client.Session) Model {
	return Model{Session: s, Now: time.Now}
}

// View renders the detail panel. Returns an empty string if no session is set.
func (m Model) View() string {
	if m.Session == nil {
		return ""
	}
	return stylePanel.Width(panelWidth).Render(m.renderInner(m.Session))
}

func (m Model) renderInner(s *client.Session) string {
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	var b strings.Builder

	b.WriteString(styleTitle.Render("Session: "+DisplayName(s)) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")

	writeRow(&b, "ID", truncate(s.ID, 40))
	writeRow(&b, "Protocol", theme.ProtocolBadge(s.ProtocolID)+" "+s.ProtocolID)
	writeRow(&b, "User", fmt.Sprintf("%s (%s)", s.UserDisplayName, s.UserID))
	if s.TeamID != "" {
		writeRow(&b, "Team", s.TeamID)
	}

	b.WriteString("\n")

	writeRow(&b, "Connection", s.ConnectionID)
	if s.Host != "" {
		target := s.Host
		if s.Port != 0 {
			target = fmt.Sprintf("%s:%d", s.Host, s.Port)
		}
		writeRow(&b, "Target", target)
	} else {
		writeRow(&b, "Target", theme.StyleDimmed.Render("hidden"))
	}

	b.WriteString("\n")

	if !s.StartedAt.IsZero() {
		writeRow(&b, "Started", FormatAge(now.Sub(s.StartedAt))+" ago")
	}
	if !s.LastSeenAt.IsZero() {
		idle := now.Sub(s.LastSeenAt)
		seen := lipgloss.NewStyle().Foreground(theme.IdleColor(idle.Seconds())).Render(FormatAge(idle) + " ago")
		writeRow(&b, "Last Seen", seen)
	}

	if m.CloseError != "" {
		b.WriteString("\n")
		b.WriteString(styleError.Render("Close error: "+m.CloseError) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(styleFooter.Render("[x] close session  [esc] back"))

	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

// DisplayName returns a human-readable label for a session, preferring the
// user's display name, then the user id, then a truncated session id.
func DisplayName(s *client.Session) string {
	if s.UserDisplayName != "" {
		return s.UserDisplayName
	}
	if s.UserID != "" {
		return s.UserID
	}
	if len(s.ID) >= 8 {
		return s.ID[:8]
	}
	return s.ID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// FormatAge renders a duration the way the session table shows ages.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
}
