package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/client"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeStream struct {
	closed bool
}

func (f *fakeStream) Listen(context.Context) tea.Cmd   { return func() tea.Msg { return nil } }
func (f *fakeStream) ReadLoop(context.Context) tea.Cmd { return func() tea.Msg { return nil } }
func (f *fakeStream) URL() string                      { return "ws://test/ws" }
func (f *fakeStream) Close()                           { f.closed = true }

type fakeAPI struct {
	list     []client.Session
	listErr  error
	closed   []string
	closeErr error
}

func (f *fakeAPI) ListSessions() ([]client.Session, error) { return f.list, f.listErr }

func (f *fakeAPI) CloseSession(id string) error {
	f.closed = append(f.closed, id)
	return f.closeErr
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sess(id, user, protocol string, startOffset time.Duration) client.Session {
	return client.Session{
		ID: id, UserID: user, ConnectionID: "conn-" + id, ProtocolID: protocol,
		StartedAt: t0.Add(startOffset), LastSeenAt: t0.Add(startOffset),
	}
}

func newTestModel() (Model, *fakeStream, *fakeAPI) {
	ws := &fakeStream{}
	api := &fakeAPI{}
	m := New(ws, api)
	m.width = 120
	m.height = 40
	return m, ws, api
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestDisconnectOverlay(t *testing.T) {
	m, _, _ := newTestModel()
	m.connected = false

	v := m.View()
	if !strings.Contains(v, "DISCONNECTED") {
		t.Error("disconnect overlay should contain 'DISCONNECTED'")
	}
	if !strings.Contains(v, "Reconnecting") {
		t.Error("disconnect overlay should contain 'Reconnecting'")
	}
}

func TestConnectedReconcilesWithList(t *testing.T) {
	m, _, api := newTestModel()
	api.list = []client.Session{sess("s1", "alice", "terminal", 0)}

	m, cmd := update(t, m, client.WSConnectedMsg{})
	if !m.connected || cmd == nil {
		t.Fatal("connect should mark the model connected and issue commands")
	}
	if strings.Contains(m.View(), "DISCONNECTED") {
		t.Error("banner shown while connected")
	}

	m, _ = update(t, m, m.fetchSessions()())
	if len(m.table.Rows) != 1 || m.table.Rows[0].ID != "s1" {
		t.Errorf("rows after reconcile = %+v", m.table.Rows)
	}
}

func TestLifecycleEventsUpdateTable(t *testing.T) {
	m, _, _ := newTestModel()
	m, _ = update(t, m, client.WSConnectedMsg{})

	m, _ = update(t, m, client.WSOpenedMsg{Session: sess("s2", "bob", "desktop", time.Minute)})
	m, _ = update(t, m, client.WSOpenedMsg{Session: sess("s1", "alice", "terminal", 0)})
	if len(m.table.Rows) != 2 || m.table.Rows[0].ID != "s1" {
		t.Fatalf("rows not ordered by start time: %+v", m.table.Rows)
	}
	if m.statusBar.Total != 2 || m.statusBar.PerProtocol["desktop"] != 1 {
		t.Errorf("status counts = %d %v", m.statusBar.Total, m.statusBar.PerProtocol)
	}

	beat := sess("s1", "alice", "terminal", 0)
	beat.LastSeenAt = t0.Add(time.Hour)
	m, _ = update(t, m, client.WSHeartbeatMsg{Session: beat})
	if !m.sessions["s1"].LastSeenAt.Equal(beat.LastSeenAt) {
		t.Error("heartbeat did not advance LastSeenAt")
	}

	m, _ = update(t, m, client.WSClosedMsg{Payload: client.ClosedPayload{ID: "s1", UserID: "alice", Reason: client.ReasonTimeout}})
	if len(m.table.Rows) != 1 || m.table.Rows[0].ID != "s2" {
		t.Errorf("rows after close = %+v", m.table.Rows)
	}
	last := m.events.Entries[len(m.events.Entries)-1]
	if last.Kind != "close" || !strings.Contains(last.Message, "timeout") {
		t.Errorf("last event = %+v", last)
	}
}

func TestSnapshotReplacesSessions(t *testing.T) {
	m, _, _ := newTestModel()
	m, _ = update(t, m, client.WSOpenedMsg{Session: sess("gone", "carol", "database", 0)})
	m, _ = update(t, m, client.WSSnapshotMsg{Sessions: []client.Session{sess("s1", "alice", "terminal", 0)}})

	if _, ok := m.sessions["gone"]; ok {
		t.Error("snapshot should drop sessions it does not list")
	}
	if len(m.table.Rows) != 1 {
		t.Errorf("rows = %d, want 1", len(m.table.Rows))
	}
}

func TestNavigationAndDetail(t *testing.T) {
	m, _, _ := newTestModel()
	m, _ = update(t, m, client.WSSnapshotMsg{Sessions: []client.Session{
		sess("s1", "alice", "terminal", 0),
		sess("s2", "bob", "desktop", time.Minute),
	}})

	m, _ = update(t, m, keyPress('j'))
	if m.table.Selected != 1 {
		t.Fatalf("Selected = %d after j, want 1", m.table.Selected)
	}
	m, _ = update(t, m, keyPress('j'))
	if m.table.Selected != 0 {
		t.Fatalf("Selected = %d after wrap, want 0", m.table.Selected)
	}
	m, _ = update(t, m, keyPress('k'))
	if m.table.Selected != 1 {
		t.Fatalf("Selected = %d after k, want 1", m.table.Selected)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.overlay != OverlayDetail || m.detailID != "s2" {
		t.Fatalf("overlay = %d detail = %q", m.overlay, m.detailID)
	}
	if !strings.Contains(m.View(), "Session: bob") {
		t.Error("detail view should name the session's user")
	}

	// The detail overlay goes away when its session ends.
	m, _ = update(t, m, client.WSClosedMsg{Payload: client.ClosedPayload{ID: "s2", Reason: client.ReasonClient}})
	if m.overlay != OverlayNone {
		t.Error("detail overlay left open for a closed session")
	}
}

func TestCloseSelectedSession(t *testing.T) {
	m, _, api := newTestModel()
	m, _ = update(t, m, client.WSSnapshotMsg{Sessions: []client.Session{sess("s1", "alice", "terminal", 0)}})

	m, cmd := update(t, m, keyPress('x'))
	if cmd == nil {
		t.Fatal("x should issue a close command")
	}
	m, _ = update(t, m, cmd())
	if len(api.closed) != 1 || api.closed[0] != "s1" {
		t.Errorf("closed = %v, want [s1]", api.closed)
	}

	api.closeErr = errors.New("not your session")
	_, cmd = update(t, m, keyPress('x'))
	m, _ = update(t, m, cmd())
	if m.statusBar.Notice == "" || m.closeErr == "" {
		t.Error("failed close should surface a notice")
	}
}

func TestResyncFailureKeepsSessions(t *testing.T) {
	m, _, api := newTestModel()
	m, _ = update(t, m, client.WSSnapshotMsg{Sessions: []client.Session{sess("s1", "alice", "terminal", 0)}})

	api.listErr = errors.New("boom")
	m, cmd := update(t, m, keyPress('r'))
	m, _ = update(t, m, cmd())
	if len(m.sessions) != 1 {
		t.Error("failed resync should keep the current view")
	}
	if m.statusBar.Notice != "resync failed" {
		t.Errorf("Notice = %q", m.statusBar.Notice)
	}
}

func TestEventsOverlayAndQuit(t *testing.T) {
	m, ws, _ := newTestModel()
	m, _ = update(t, m, keyPress('e'))
	if m.overlay != OverlayEvents {
		t.Fatal("e should open the event log")
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.overlay != OverlayNone {
		t.Fatal("esc should close the event log")
	}

	_, cmd := update(t, m, keyPress('q'))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if !ws.closed {
		t.Error("quit should close the stream")
	}
	if m.ctx.Err() == nil {
		t.Error("quit should cancel the model context")
	}
}
