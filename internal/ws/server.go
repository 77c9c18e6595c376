package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/audit"
	"github.com/CharlesNg35/shellcn-sub007/internal/auth"
	"github.com/CharlesNg35/shellcn-sub007/internal/health"
	"github.com/CharlesNg35/shellcn-sub007/internal/launcher"
	"github.com/CharlesNg35/shellcn-sub007/internal/logging"
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/CharlesNg35/shellcn-sub007/internal/stats"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const maxBodyBytes = 64 << 10

type Server struct {
	registry       *session.Registry
	broadcaster    *Broadcaster
	verifier       *auth.Verifier
	tracker        *stats.Tracker
	auditor        *audit.Recorder
	health         *health.Reporter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(registry *session.Registry, broadcaster *Broadcaster, verifier *auth.Verifier, allowedOrigins []string) *Server {
	s := &Server{
		registry:       registry,
		broadcaster:    broadcaster,
		verifier:       verifier,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetStatsTracker configures the tracker behind /api/stats.
// Must be called before Routes.
func (s *Server) SetStatsTracker(tracker *stats.Tracker) {
	s.tracker = tracker
}

// SetAuditRecorder configures the recorder behind /api/audit.
// Must be called before Routes.
func (s *Server) SetAuditRecorder(recorder *audit.Recorder) {
	s.auditor = recorder
}

// SetHealthReporter configures the reporter behind /health.
// Must be called before Routes.
func (s *Server) SetHealthReporter(reporter *health.Reporter) {
	s.health = reporter
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireViewer(s.verifier))
		r.Get("/ws", s.handleWS)

		r.Route("/api", func(r chi.Router) {
			r.Use(chimw.Logger)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleRegister)
			r.Get("/sessions/active", s.handleActive)
			r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)
			r.Delete("/sessions/{id}", s.handleClose)
			r.Get("/stats", s.handleStats)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Get("/audit", s.handleAudit)
			})
		})
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func viewerOf(r *http.Request) session.Viewer {
	viewer, _ := auth.ViewerFrom(r.Context())
	return viewer
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	viewer := viewerOf(r)

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn, viewer)
	if err != nil {
		log.Printf("WebSocket client rejected: %s: %v", r.RemoteAddr, err)
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteJSON(Message{
			Stream: s.broadcaster.stream,
			Event:  EventError,
			Data:   ErrorPayload{Message: err.Error()},
		})
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: %s (user %s)", r.RemoteAddr, logging.Sanitize(viewer.UserID))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	viewer := viewerOf(r)
	visible := session.Filter(s.registry.ListActive(), viewer, s.broadcaster.Policy())
	visible = session.Narrow(visible, r.URL.Query().Get("protocol_id"), r.URL.Query().Get("team_id"))
	if visible == nil {
		visible = []session.Record{}
	}
	writeJSON(w, http.StatusOK, visible)
}

type registerRequest struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	ProtocolID   string `json:"protocol_id"`
	TeamID       string `json:"team_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
}

type duplicateResponse struct {
	Error             string `json:"error"`
	ExistingSessionID string `json:"existing_session_id"`
}

// handleRegister registers a session for the authenticated user on behalf of
// an out-of-process driver.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	viewer := viewerOf(r)

	var req registerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "port out of range")
		return
	}
	if req.TeamID != "" && !viewer.IsAdmin && !viewer.InTeam(req.TeamID) {
		writeError(w, http.StatusForbidden, "not a member of team "+req.TeamID)
		return
	}

	rec := session.Record{
		ID:              req.ID,
		UserID:          viewer.UserID,
		UserDisplayName: viewer.DisplayName,
		ConnectionID:    req.ConnectionID,
		TeamID:          req.TeamID,
		ProtocolID:      req.ProtocolID,
		Host:            req.Host,
		Port:            req.Port,
	}
	if err := rec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.registry.Register(rec)
	if err != nil {
		var dup *session.DuplicateSessionError
		switch {
		case errors.As(err, &dup):
			writeJSON(w, http.StatusConflict, duplicateResponse{
				Error:             launcher.ErrAlreadyActive.Error(),
				ExistingSessionID: dup.ExistingID,
			})
		case errors.Is(err, session.ErrIDInUse):
			writeError(w, http.StatusConflict, "session id already in use")
		default:
			log.Printf("[api] register failed for user %s: %v", logging.Sanitize(viewer.UserID), err)
			writeError(w, http.StatusInternalServerError, "failed to register session")
		}
		return
	}

	created, ok := s.registry.Get(id)
	if !ok {
		// Closed again between Register and Get.
		created = rec
		created.ID = id
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}
	active := s.registry.HasActiveSession(viewerOf(r).UserID, connectionID)
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// ownedSession resolves the {id} path parameter to a record the viewer may
// act on. Sessions the viewer cannot see are reported as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (session.Record, bool, bool) {
	viewer := viewerOf(r)
	rec, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok || !s.broadcaster.Policy().CanSee(viewer, rec) {
		return session.Record{}, false, true
	}
	if !viewer.IsAdmin && rec.UserID != viewer.UserID {
		writeError(w, http.StatusForbidden, "only the session owner or an admin may do this")
		return session.Record{}, false, false
	}
	return rec, true, true
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rec, ok, allowed := s.ownedSession(w, r)
	if !allowed {
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.registry.Heartbeat(rec.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleClose unregisters the session. Closing an unknown session succeeds so
// that drivers can retry their cleanup safely.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	rec, ok, allowed := s.ownedSession(w, r)
	if !allowed {
		return
	}
	if ok {
		s.registry.UnregisterWithReason(rec.ID, session.ReasonClient)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Stats())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}

	opts, err := auditQueryOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.auditor.Query(opts)
	if err != nil {
		log.Printf("[api] audit query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func auditQueryOptions(q url.Values) (audit.QueryOptions, error) {
	opts := audit.QueryOptions{
		UserID:       q.Get("user_id"),
		ConnectionID: q.Get("connection_id"),
		SessionID:    q.Get("session_id"),
		Action:       q.Get("action"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, fmt.Errorf("%s: want RFC 3339 timestamp", p.name)
			}
			*p.dst = &t
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return opts, fmt.Errorf("%s: want a non-negative integer", p.name)
			}
			*p.dst = n
		}
	}
	return opts, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": health.StatusOK})
		return
	}
	rep := s.health.Report()
	status := http.StatusOK
	if rep.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
