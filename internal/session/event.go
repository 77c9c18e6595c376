package session

import "time"

// EventType classifies session lifecycle events.
type EventType int

const (
	EventOpened    EventType = iota // record inserted by Register
	EventHeartbeat                  // LastSeenAt advanced
	EventClosed                     // record removed
)

var eventNames = map[EventType]string{
	EventOpened:    "session.opened",
	EventHeartbeat: "session.heartbeat",
	EventClosed:    "session.closed",
}

// String returns the wire name of the event ("session.opened" etc).
func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "session.unknown"
}

// CloseReason records why a session ended. It is carried only by the closed
// event; the registry keeps no history.
type CloseReason string

const (
	ReasonClient   CloseReason = "client"
	ReasonTimeout  CloseReason = "timeout"
	ReasonShutdown CloseReason = "shutdown"
)

// Event carries a lifecycle fact from the registry to observers.
type Event struct {
	Type        EventType
	Record      Record      // snapshot (safe to retain)
	Reason      CloseReason // set for EventClosed only
	At          time.Time
	ActiveCount int // live sessions right after the change
}

// Publisher receives lifecycle events from the registry. Publish is called
// after the registry lock is released and must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
