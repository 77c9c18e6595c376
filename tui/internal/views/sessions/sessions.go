// Package sessions renders the live session table.
package sessions

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/client"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/theme"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/views/detail"
	"github.com/charmbracelet/lipgloss"
)

// Column widths; the connection column takes what is left.
const (
	colUser     = 18
	colProtocol = 14
	colTarget   = 22
	colAge      = 9
	colSeen     = 9
	minConn     = 12
)

// Model holds the table state.
type Model struct {
	Width    int
	Rows     []client.Session
	Selected int
	Now      func() time.Time
}

// New creates an empty table.
func New() Model {
	return Model{Now: time.Now}
}

// Sort orders sessions oldest first, ties broken by id, matching the
// server's list order.
func Sort(list []client.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// View renders the header and one line per session.
func (m Model) View() string {
	width := m.Width
	if width < 80 {
		width = 80
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	colConn := width - colUser - colProtocol - colTarget - colAge - colSeen - 4
	if colConn < minConn {
		colConn = minConn
	}

	header := "  " + pad("USER", colUser) + pad("PROTOCOL", colProtocol) + pad("CONNECTION", colConn) +
		pad("TARGET", colTarget) + pad("AGE", colAge) + pad("SEEN", colSeen)
	lines := []string{theme.StyleHeader.Render(header)}

	if len(m.Rows) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No active sessions"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for i, s := range m.Rows {
		prefix := "  "
		if i == m.Selected {
			prefix = "> "
		}
		target := "-"
		if s.Host != "" {
			target = s.Host
			if s.Port != 0 {
				target = fmt.Sprintf("%s:%d", s.Host, s.Port)
			}
		}
		idle := now.Sub(s.LastSeenAt)

		user := pad(detail.DisplayName(&s), colUser)
		proto := lipgloss.NewStyle().Foreground(theme.ProtocolColor(s.ProtocolID)).Render(pad(s.ProtocolID, colProtocol))
		seen := lipgloss.NewStyle().Foreground(theme.IdleColor(idle.Seconds())).Render(pad(detail.FormatAge(idle), colSeen))
		line := prefix + user + proto + pad(s.ConnectionID, colConn) + pad(target, colTarget) +
			pad(detail.FormatAge(now.Sub(s.StartedAt)), colAge) + seen
		if i == m.Selected {
			line = theme.StyleSelected.Render(line)
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// pad truncates or right-pads s to exactly n columns.
func pad(s string, n int) string {
	r := []rune(s)
	if len(r) >= n {
		if n <= 1 {
			return string(r[:n])
		}
		return string(r[:n-2]) + "… "
	}
	return s + strings.Repeat(" ", n-len(r))
}
