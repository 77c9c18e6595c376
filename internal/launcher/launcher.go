// Package launcher implements the driver-side contract around the session
// registry: a session is registered before the protocol connection is
// attempted and is always unregistered when the connection ends, whether it
// ends cleanly or not.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

// ErrAlreadyActive is the user-facing launch failure for a (user,
// connection) pair that already owns a session. It wraps the registry's
// *session.DuplicateSessionError, so errors.As still yields the existing id.
var ErrAlreadyActive = errors.New("you already have an active session on this connection")

// Conn is an established protocol connection.
type Conn interface {
	Close() error
}

// Driver opens protocol connections. One driver serves one protocol.
type Driver interface {
	Protocol() string
	Connect(ctx context.Context, req Request) (Conn, error)
}

// Registry is the part of session.Registry the launcher needs.
type Registry interface {
	HasActiveSession(userID, connectionID string) bool
	Register(rec session.Record) (string, error)
	Unregister(id string)
	Heartbeat(id string)
}

// Request describes one launch attempt.
type Request struct {
	ProtocolID      string
	UserID          string
	UserDisplayName string
	TeamID          string
	ConnectionID    string
	Host            string
	Port            int
}

// Launcher connects users through protocol drivers while keeping the registry
// in step with the connections it opens.
type Launcher struct {
	registry Registry

	mu      sync.RWMutex
	drivers map[string]Driver
}

func New(registry Registry, drivers ...Driver) *Launcher {
	l := &Launcher{registry: registry, drivers: make(map[string]Driver)}
	for _, d := range drivers {
		l.drivers[d.Protocol()] = d
	}
	return l
}

// AddDriver registers or replaces the driver for its protocol.
func (l *Launcher) AddDriver(d Driver) {
	l.mu.Lock()
	l.drivers[d.Protocol()] = d
	l.mu.Unlock()
}

func (l *Launcher) driver(protocol string) (Driver, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.drivers[protocol]
	return d, ok
}

// Launch registers the session and connects through the protocol's driver.
// The advisory pre-flight rejects an obvious duplicate before any driver
// work; Register remains the authority when two launches race. If Connect
// fails the session is unregistered before Launch returns.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Handle, error) {
	protocol := req.ProtocolID
	d, ok := l.driver(protocol)
	if !ok {
		return nil, fmt.Errorf("no driver for protocol %q", protocol)
	}
	if req.UserID == "" || req.ConnectionID == "" {
		return nil, fmt.Errorf("launch: user and connection are required")
	}

	if l.registry.HasActiveSession(req.UserID, req.ConnectionID) {
		return nil, ErrAlreadyActive
	}

	id, err := l.registry.Register(session.Record{
		UserID:          req.UserID,
		UserDisplayName: req.UserDisplayName,
		TeamID:          req.TeamID,
		ConnectionID:    req.ConnectionID,
		ProtocolID:      protocol,
		Host:            req.Host,
		Port:            req.Port,
	})
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyActive, err)
		}
		return nil, fmt.Errorf("register session: %w", err)
	}

	conn, err := d.Connect(ctx, req)
	if err != nil {
		l.registry.Unregister(id)
		log.Printf("[launcher] %s connect failed for session %s: %v", protocol, id, err)
		return nil, fmt.Errorf("connect %s: %w", protocol, err)
	}

	return &Handle{ID: id, Protocol: protocol, conn: conn, registry: l.registry}, nil
}

// Handle is a live, registered connection.
type Handle struct {
	ID       string
	Protocol string

	conn      Conn
	registry  Registry
	closeOnce sync.Once
	closeErr  error
}

// Heartbeat reports activity on the connection.
func (h *Handle) Heartbeat() {
	h.registry.Heartbeat(h.ID)
}

// Close closes the driver connection and unregisters the session. It is safe
// to call more than once and from deferred cleanup on error paths.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		defer h.registry.Unregister(h.ID)
		if h.conn != nil {
			h.closeErr = h.conn.Close()
		}
	})
	return h.closeErr
}
