package ws

import (
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

// Event names on the wire. The first three mirror session.EventType; the
// snapshot event is the periodic reconciliation message.
const (
	EventOpened    = "session.opened"
	EventClosed    = "session.closed"
	EventHeartbeat = "session.heartbeat"
	EventSnapshot  = "session.snapshot"
	EventError     = "error"
)

// Message is the envelope of every frame written to a subscriber.
type Message struct {
	Stream string      `json:"stream"`
	Event  string      `json:"event"`
	Data   interface{} `json:"data"`
}

// ClosedPayload is the minimal identity tuple sent when a session ends.
type ClosedPayload struct {
	ID           string              `json:"id"`
	ConnectionID string              `json:"connection_id"`
	UserID       string              `json:"user_id"`
	Reason       session.CloseReason `json:"reason"`
}

type SnapshotPayload struct {
	Sessions []session.Record `json:"sessions"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func closedPayload(ev session.Event) ClosedPayload {
	return ClosedPayload{
		ID:           ev.Record.ID,
		ConnectionID: ev.Record.ConnectionID,
		UserID:       ev.Record.UserID,
		Reason:       ev.Reason,
	}
}
