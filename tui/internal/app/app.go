package app

import (
	"context"
	"fmt"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/client"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/theme"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/views/detail"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/views/events"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/views/sessions"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/views/status"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayEvents
)

const refreshInterval = time.Second

// Stream is the event stream connection.
type Stream interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	URL() string
	Close()
}

// API is the REST side of the server.
type API interface {
	ListSessions() ([]client.Session, error)
	CloseSession(id string) error
}

type sessionsLoadedMsg struct {
	sessions []client.Session
	err      error
}

type sessionClosedMsg struct {
	id  string
	err error
}

type tickMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	ws     Stream
	api    API
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions map[string]client.Session

	overlay  Overlay
	detailID string
	closeErr string

	table     sessions.Model
	statusBar status.Model
	events    events.Model

	connected bool
}

// New creates the root model.
func New(ws Stream, api API) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		sessions:  make(map[string]client.Session),
		table:     sessions.New(),
		statusBar: status.New(),
		events:    events.New(),
	}
}

// Init starts the WebSocket connection and the age refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.table.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tick()

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.events.Add("ws", "connected to "+m.ws.URL())
		// Reconcile against the list endpoint before applying events.
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.fetchSessions())

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.events.Add("err", "disconnected: "+msg.Err.Error())
		}
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.replaceAll(msg.Sessions)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSOpenedMsg:
		s := msg.Session
		m.sessions[s.ID] = s
		m.events.Add("open", fmt.Sprintf("%s %s %s", detail.DisplayName(&s), s.ProtocolID, s.ConnectionID))
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSHeartbeatMsg:
		s := msg.Session
		m.sessions[s.ID] = s
		m.events.Add("beat", fmt.Sprintf("%s %s", detail.DisplayName(&s), s.ConnectionID))
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSClosedMsg:
		p := msg.Payload
		delete(m.sessions, p.ID)
		m.events.Add("close", fmt.Sprintf("%s %s (%s)", p.UserID, p.ConnectionID, p.Reason))
		if m.overlay == OverlayDetail && m.detailID == p.ID {
			m.overlay = OverlayNone
		}
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		m.events.Add("err", "server: "+msg.Message)
		return m, m.ws.ReadLoop(m.ctx)

	case sessionsLoadedMsg:
		if msg.err != nil {
			m.statusBar.Notice = "resync failed"
			m.events.Add("err", "list sessions: "+msg.err.Error())
			return m, nil
		}
		m.statusBar.Notice = ""
		m.replaceAll(msg.sessions)
		return m, nil

	case sessionClosedMsg:
		if msg.err != nil {
			m.closeErr = msg.err.Error()
			m.statusBar.Notice = "close failed"
			m.events.Add("err", "close "+msg.id+": "+msg.err.Error())
			return m, nil
		}
		m.closeErr = ""
		m.statusBar.Notice = ""
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		m.ws.Close()
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayEvents:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Events):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.events.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.events.ScrollDown(1)
		}
		return m, nil

	case OverlayDetail:
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
			m.closeErr = ""
		case key.Matches(msg, m.keys.Close):
			return m, m.closeSession(m.detailID)
		}
		return m, nil
	}

	n := len(m.table.Rows)
	switch {
	case key.Matches(msg, m.keys.Down):
		if n > 0 {
			m.table.Selected = (m.table.Selected + 1) % n
		}

	case key.Matches(msg, m.keys.Up):
		if n > 0 {
			m.table.Selected = (m.table.Selected - 1 + n) % n
		}

	case key.Matches(msg, m.keys.Enter):
		if s, ok := m.selected(); ok {
			m.detailID = s.ID
			m.closeErr = ""
			m.overlay = OverlayDetail
		}

	case key.Matches(msg, m.keys.Events):
		m.overlay = OverlayEvents

	case key.Matches(msg, m.keys.Resync):
		m.events.Add("ws", "resync requested")
		return m, m.fetchSessions()

	case key.Matches(msg, m.keys.Close):
		if s, ok := m.selected(); ok {
			return m, m.closeSession(s.ID)
		}
	}
	return m, nil
}

func (m Model) fetchSessions() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		list, err := api.ListSessions()
		return sessionsLoadedMsg{sessions: list, err: err}
	}
}

func (m Model) closeSession(id string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		return sessionClosedMsg{id: id, err: api.CloseSession(id)}
	}
}

func (m Model) selected() (client.Session, bool) {
	if m.table.Selected < 0 || m.table.Selected >= len(m.table.Rows) {
		return client.Session{}, false
	}
	return m.table.Rows[m.table.Selected], true
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if !m.connected {
		banner := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).
			Render(fmt.Sprintf("  DISCONNECTED  Reconnecting to %s ...", m.streamURL()))
		sections = append(sections, banner)
	}

	switch m.overlay {
	case OverlayDetail:
		s, ok := m.sessions[m.detailID]
		if ok {
			d := detail.New(&s)
			d.CloseError = m.closeErr
			sections = append(sections, d.View())
		}
	case OverlayEvents:
		sections = append(sections, m.events.View(m.width, m.height-4))
	default:
		sections = append(sections, m.table.View())
	}

	sections = append(sections,
		theme.StyleDimmed.Render("  j/k:navigate  enter:detail  e:events  r:resync  x:close  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) streamURL() string {
	if m.ws == nil {
		return "server"
	}
	return m.ws.URL()
}

// replaceAll swaps the local view for an authoritative session list.
func (m *Model) replaceAll(list []client.Session) {
	m.sessions = make(map[string]client.Session, len(list))
	for _, s := range list {
		m.sessions[s.ID] = s
	}
	if m.overlay == OverlayDetail {
		if _, ok := m.sessions[m.detailID]; !ok {
			m.overlay = OverlayNone
		}
	}
	m.rebuild()
}

// rebuild refreshes the table rows and status counts, keeping the cursor on
// the same session where possible.
func (m *Model) rebuild() {
	var selectedID string
	if s, ok := m.selected(); ok {
		selectedID = s.ID
	}

	rows := make([]client.Session, 0, len(m.sessions))
	perProtocol := make(map[string]int)
	for _, s := range m.sessions {
		rows = append(rows, s)
		perProtocol[s.ProtocolID]++
	}
	sessions.Sort(rows)
	m.table.Rows = rows
	m.statusBar.SetCounts(perProtocol)

	m.table.Selected = 0
	for i, s := range rows {
		if s.ID == selectedID {
			m.table.Selected = i
			break
		}
	}
	if m.table.Selected >= len(rows) {
		m.table.Selected = 0
	}
}
