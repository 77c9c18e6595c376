// Package client provides WebSocket and HTTP clients for the session
// registry. Types mirror the server wire protocol without importing server
// packages.
package client

import (
	"encoding/json"
	"time"
)

// Event names carried in the envelope.
const (
	EventOpened    = "session.opened"
	EventClosed    = "session.closed"
	EventHeartbeat = "session.heartbeat"
	EventSnapshot  = "session.snapshot"
	EventError     = "error"
)

// Close reasons reported by session.closed.
const (
	ReasonClient   = "client"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

// Message is the envelope of every frame on the event stream.
type Message struct {
	Stream string          `json:"stream"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Session mirrors one live record as the viewer is allowed to see it. Host
// and Port are empty when the server masks them.
type Session struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connection_id"`
	UserID          string    `json:"user_id"`
	UserDisplayName string    `json:"user_name"`
	TeamID          string    `json:"team_id,omitempty"`
	ProtocolID      string    `json:"protocol_id"`
	StartedAt       time.Time `json:"started_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Host            string    `json:"host,omitempty"`
	Port            int       `json:"port,omitempty"`
}

// ClosedPayload is the identity tuple sent when a session ends.
type ClosedPayload struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Reason       string `json:"reason"`
}

// SnapshotPayload carries the full visible session set.
type SnapshotPayload struct {
	Sessions []Session `json:"sessions"`
}

// ErrorPayload is sent by the server before it gives up on a subscriber.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Stats mirrors the aggregate counters returned by /api/stats.
type Stats struct {
	TotalOpened         int            `json:"total_opened"`
	TotalClosed         int            `json:"total_closed"`
	ClosedByReason      map[string]int `json:"closed_by_reason"`
	SessionsPerProtocol map[string]int `json:"sessions_per_protocol"`
	PeakConcurrent      int            `json:"peak_concurrent"`
	LongestSessionSec   float64        `json:"longest_session_sec"`
	CurrentlyActive     int            `json:"currently_active"`
	LastUpdated         time.Time      `json:"last_updated"`
}
