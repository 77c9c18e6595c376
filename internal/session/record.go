package session

import (
	"time"
)

// Well-known protocol families. Drivers may register others; the registry
// treats ProtocolID as an opaque label.
const (
	ProtocolTerminal  = "terminal"
	ProtocolDesktop   = "desktop"
	ProtocolDatabase  = "database"
	ProtocolContainer = "container"
)

// Record is one live remote-protocol session. Everything except LastSeenAt is
// fixed at registration.
type Record struct {
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

// Key is the composite uniqueness key: at most one live session may exist
// per (user, connection).
type Key struct {
	UserID       string
	ConnectionID string
}

// Key returns the record's uniqueness key.
func (r Record) Key() Key {
	return Key{UserID: r.UserID, ConnectionID: r.ConnectionID}
}

// IdleFor reports how long the record has gone without a heartbeat.
func (r Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastSeenAt)
}

// Duration returns how long the session had been live at the given instant.
func (r Record) Duration(at time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return at.Sub(r.StartedAt)
}

// validate panics when an identity field is missing. A record without them
// means a driver broke its contract with the registry.
func (r Record) validate() {
	switch {
	case r.UserID == "":
		panic(ErrInvalidRecord + ": empty user_id")
	case r.ConnectionID == "":
		panic(ErrInvalidRecord + ": empty connection_id")
	case r.ProtocolID == "":
		panic(ErrInvalidRecord + ": empty protocol_id")
	}
}

// Validate reports the first missing identity field without panicking, for
// callers (such as the HTTP layer) that accept untrusted input.
func (r Record) Validate() error {
	switch {
	case r.UserID == "":
		return fieldError("user_id")
	case r.ConnectionID == "":
		return fieldError("connection_id")
	case r.ProtocolID == "":
		return fieldError("protocol_id")
	}
	return nil
}
