package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// WSClient manages the event stream connection.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises pings
	conn    *websocket.Conn
	delay   time.Duration      // next reconnect backoff
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token, delay: reconnectBaseDelay}
}

// URL returns the stream address.
func (c *WSClient) URL() string { return c.url }

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSSnapshotMsg delivers the full visible session set.
type WSSnapshotMsg struct{ Sessions []Session }

// WSOpenedMsg is sent when a visible session is registered.
type WSOpenedMsg struct{ Session Session }

// WSHeartbeatMsg is sent when a visible session's last-seen time advances.
type WSHeartbeatMsg struct{ Session Session }

// WSClosedMsg is sent when a visible session ends.
type WSClosedMsg struct{ Payload ClosedPayload }

// WSErrorMsg wraps a server-side error.
type WSErrorMsg struct{ Message string }

// Listen returns a Bubble Tea command that connects and reports
// WSConnectedMsg. Failed dials back off exponentially up to
// reconnectMaxDelay; the backoff resets once a frame has been read.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		for {
			if ctx.Err() != nil {
				return nil
			}

			header := http.Header{}
			if c.token != "" {
				header.Set("Authorization", "Bearer "+c.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				delay := c.nextDelay()
				log.Printf("ws dial error: %v (retry in %v)", err, delay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return WSConnectedMsg{}
		}
	}
}

func (c *WSClient) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.delay
	c.delay = min(c.delay*2, reconnectMaxDelay)
	return d
}

// Backoff returns the delay the next failed dial will wait.
func (c *WSClient) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// ReadLoop returns a Bubble Tea command that reads until the next
// displayable frame. It should be re-issued after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}

			c.mu.Lock()
			c.delay = reconnectBaseDelay
			c.mu.Unlock()

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if teaMsg := Decode(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// Close drops the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
		c.pingCtx = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Decode turns an envelope into its Bubble Tea message. Unknown events and
// undecodable payloads yield nil.
func Decode(msg Message) tea.Msg {
	switch msg.Event {
	case EventSnapshot:
		var p SnapshotPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			return WSSnapshotMsg{Sessions: p.Sessions}
		}
	case EventOpened:
		var s Session
		if json.Unmarshal(msg.Data, &s) == nil {
			return WSOpenedMsg{Session: s}
		}
	case EventHeartbeat:
		var s Session
		if json.Unmarshal(msg.Data, &s) == nil {
			return WSHeartbeatMsg{Session: s}
		}
	case EventClosed:
		var p ClosedPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			return WSClosedMsg{Payload: p}
		}
	case EventError:
		var p ErrorPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			return WSErrorMsg{Message: p.Message}
		}
	}
	return nil
}
