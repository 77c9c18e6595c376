package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/auth"
	"github.com/CharlesNg35/shellcn-sub007/internal/health"
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/gorilla/websocket"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type testEnv struct {
	srv         *httptest.Server
	registry    *session.Registry
	broadcaster *Broadcaster
	verifier *auth.Verifier
	tokens   map[string]string
}

func newTestEnv(t *testing.T, policy session.VisibilityPolicy) *testEnv {
	t.Helper()
	reg := session.NewRegistry(nil)
	b := NewBroadcaster(reg, Options{SnapshotInterval: time.Hour, Policy: policy})
	t.Cleanup(b.Stop)
	reg.SetPublisher(b)

	verifier := auth.NewVerifier("test-secret", "shellcn", "admin")
	s := NewServer(reg, b, verifier, nil)
	s.SetHealthReporter(health.NewReporter("memory", reg.Count, b.ClientCount, nil))

	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, registry: reg, broadcaster: b, verifier: verifier, tokens: make(map[string]string)}
	for _, u := range []struct {
		id, role string
		teams    []string
	}{
		{"alice", "member", []string{"ops"}},
		{"bob", "member", []string{"ops"}},
		{"root", "admin", nil},
	} {
		tok, err := verifier.Issue(u.id, strings.ToUpper(u.id[:1])+u.id[1:], u.role, u.teams, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		env.tokens[u.id] = tok
	}
	return env
}

func (e *testEnv) do(t *testing.T, user, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) register(t *testing.T, user, body string) session.Record {
	t.Helper()
	resp := e.do(t, user, http.MethodPost, "/api/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var rec session.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func decodeRecords(t *testing.T, resp *http.Response) []session.Record {
	t.Helper()
	var out []session.Record
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	for _, path := range []string{"/api/sessions", "/api/stats", "/ws"} {
		if resp := env.do(t, "", http.MethodGet, path, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}
	if resp := env.do(t, "", http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", resp.StatusCode)
	}
}

func TestRegisterAndDuplicate(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})

	rec := env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal","host":"10.0.0.1","port":22}`)
	if rec.ID == "" || rec.UserID != "alice" || rec.UserDisplayName != "Alice" {
		t.Errorf("registered record = %+v", rec)
	}

	resp := env.do(t, "alice", http.MethodPost, "/api/sessions", `{"connection_id":"prod-01","protocol_id":"terminal"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	var dup duplicateResponse
	if err := json.NewDecoder(resp.Body).Decode(&dup); err != nil {
		t.Fatal(err)
	}
	if dup.ExistingSessionID != rec.ID {
		t.Errorf("existing_session_id = %q, want %q", dup.ExistingSessionID, rec.ID)
	}
	if dup.Error != "you already have an active session on this connection" {
		t.Errorf("error = %q", dup.Error)
	}

	// Same connection, different user is independent.
	env.register(t, "bob", `{"connection_id":"prod-01","protocol_id":"desktop"}`)
	if env.registry.Count() != 2 {
		t.Errorf("Count = %d, want 2", env.registry.Count())
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing connection", `{"protocol_id":"terminal"}`, http.StatusBadRequest},
		{"missing protocol", `{"connection_id":"prod-01"}`, http.StatusBadRequest},
		{"bad port", `{"connection_id":"prod-01","protocol_id":"terminal","port":70000}`, http.StatusBadRequest},
		{"foreign team", `{"connection_id":"prod-01","protocol_id":"terminal","team_id":"data"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.do(t, "alice", http.MethodPost, "/api/sessions", tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if env.registry.Count() != 0 {
		t.Errorf("invalid requests registered %d sessions", env.registry.Count())
	}
}

func TestListSessionsVisibility(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal","team_id":"ops"}`)
	env.register(t, "bob", `{"connection_id":"db-01","protocol_id":"database","team_id":"ops"}`)

	tests := []struct {
		user  string
		query string
		want  []string
	}{
		{"alice", "", []string{"alice"}},
		{"bob", "", []string{"bob"}},
		{"root", "", []string{"alice", "bob"}},
		{"root", "?protocol_id=database", []string{"bob"}},
		{"root", "?team_id=ops", []string{"alice", "bob"}},
		{"alice", "?protocol_id=database", nil},
	}
	for _, tt := range tests {
		t.Run(tt.user+tt.query, func(t *testing.T) {
			resp := env.do(t, tt.user, http.MethodGet, "/api/sessions"+tt.query, "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			records := decodeRecords(t, resp)
			if len(records) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(records), len(tt.want))
			}
			for i, user := range tt.want {
				if records[i].UserID != user {
					t.Errorf("records[%d].UserID = %s, want %s", i, records[i].UserID, user)
				}
			}
		})
	}
}

func TestListSessionsTeamVisibility(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{TeamVisibility: true})
	env.register(t, "bob", `{"connection_id":"db-01","protocol_id":"database","team_id":"ops","host":"10.0.0.9","port":5432}`)

	records := decodeRecords(t, env.do(t, "alice", http.MethodGet, "/api/sessions", ""))
	if len(records) != 1 || records[0].UserID != "bob" {
		t.Fatalf("alice sees %+v, want bob's team session", records)
	}
	if records[0].Host != "" {
		t.Errorf("teammate host visible: %q", records[0].Host)
	}
}

func TestActiveEndpoint(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal"}`)

	check := func(user, conn string, want bool) {
		t.Helper()
		resp := env.do(t, user, http.MethodGet, "/api/sessions/active?connection_id="+conn, "")
		var body map[string]bool
		json.NewDecoder(resp.Body).Decode(&body)
		if body["active"] != want {
			t.Errorf("%s on %s: active = %v, want %v", user, conn, body["active"], want)
		}
	}
	check("alice", "prod-01", true)
	check("alice", "prod-02", false)
	check("bob", "prod-01", false)

	if resp := env.do(t, "alice", http.MethodGet, "/api/sessions/active", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing connection_id = %d, want 400", resp.StatusCode)
	}
}

func TestHeartbeatAndCloseOwnership(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{TeamVisibility: true})
	rec := env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal","team_id":"ops"}`)

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		want   int
	}{
		{"owner heartbeat", "alice", http.MethodPost, "/api/sessions/" + rec.ID + "/heartbeat", http.StatusNoContent},
		{"teammate heartbeat", "bob", http.MethodPost, "/api/sessions/" + rec.ID + "/heartbeat", http.StatusForbidden},
		{"admin heartbeat", "root", http.MethodPost, "/api/sessions/" + rec.ID + "/heartbeat", http.StatusNoContent},
		{"unknown heartbeat", "alice", http.MethodPost, "/api/sessions/nope/heartbeat", http.StatusNotFound},
		{"teammate close", "bob", http.MethodDelete, "/api/sessions/" + rec.ID, http.StatusForbidden},
		{"owner close", "alice", http.MethodDelete, "/api/sessions/" + rec.ID, http.StatusNoContent},
		{"owner close again", "alice", http.MethodDelete, "/api/sessions/" + rec.ID, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.do(t, tt.user, tt.method, tt.path, ""); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if env.registry.HasActiveSession("alice", "prod-01") {
		t.Error("session survived owner close")
	}
}

func TestStatsAndAuditUnavailable(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	if resp := env.do(t, "alice", http.MethodGet, "/api/stats", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("stats without tracker = %d, want 503", resp.StatusCode)
	}
	if resp := env.do(t, "alice", http.MethodGet, "/api/audit", ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("audit as member = %d, want 403", resp.StatusCode)
	}
	if resp := env.do(t, "root", http.MethodGet, "/api/audit", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("audit without recorder = %d, want 503", resp.StatusCode)
	}
}

func TestAuditQueryOptions(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/audit?user_id=alice&since=2026-03-01T00:00:00Z&limit=10&offset=5", nil)
	opts, err := auditQueryOptions(req.URL.Query())
	if err != nil {
		t.Fatal(err)
	}
	if opts.UserID != "alice" || opts.Limit != 10 || opts.Offset != 5 || opts.Since == nil || opts.Until != nil {
		t.Errorf("opts = %+v", opts)
	}

	for _, q := range []string{"since=yesterday", "limit=-1", "offset=x"} {
		req := httptest.NewRequest(http.MethodGet, "/api/audit?"+q, nil)
		if _, err := auditQueryOptions(req.URL.Query()); err == nil {
			t.Errorf("%s accepted", q)
		}
	}
}

func TestHealthReport(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal"}`)

	resp := env.do(t, "", http.MethodGet, "/health", "")
	var rep health.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Status != health.StatusOK || rep.ActiveSessions != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestWebSocketWithQueryToken(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + env.tokens["alice"]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Event != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", msg.Event)
	}

	env.register(t, "alice", `{"connection_id":"prod-01","protocol_id":"terminal"}`)
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Event != EventOpened {
		t.Errorf("event = %s, want opened", msg.Event)
	}
}

func TestWebSocketRejectedOverLimit(t *testing.T) {
	env := newTestEnv(t, session.VisibilityPolicy{})
	env.broadcaster.mu.Lock()
	env.broadcaster.maxConns = 1
	env.broadcaster.mu.Unlock()

	dial := func(user string) *websocket.Conn {
		wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + env.tokens[user]
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", user, err)
		}
		t.Cleanup(func() { conn.Close() })
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		return conn
	}

	var msg wireMessage
	if err := dial("alice").ReadJSON(&msg); err != nil || msg.Event != EventSnapshot {
		t.Fatalf("first client: event %q err %v", msg.Event, err)
	}

	second := dial("bob")
	if err := second.ReadJSON(&msg); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if msg.Event != EventError || msg.Stream != "sessions" {
		t.Fatalf("got %s/%s, want sessions/%s", msg.Stream, msg.Event, EventError)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Message != ErrTooManyConnections.Error() {
		t.Errorf("message = %q", payload.Message)
	}

	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("err = %v, want close %d", err, websocket.CloseTryAgainLater)
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(nil, nil, nil, nil)
	restricted := NewServer(nil, nil, nil, []string{"https://console.example.com"})

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"same host", open, "http://example.com", true},
		{"localhost", open, "http://localhost:5173", true},
		{"foreign", open, "https://evil.example.net", false},
		{"allowed", restricted, "https://console.example.com", true},
		{"not allowed", restricted, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
