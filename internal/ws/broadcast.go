package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient when MaxConnections is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeTimeout = 10 * time.Second

const listenerShutdownWait = 2 * time.Second

// Source supplies the live session set for snapshots and liveness checks.
type Source interface {
	ListActive() []session.Record
	Get(id string) (session.Record, bool)
}

type client struct {
	conn      *websocket.Conn
	b         *Broadcaster
	viewer    session.Viewer
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Options configures a Broadcaster.
type Options struct {
	Stream            string
	QueueSize         int
	ClientBuffer      int
	HeartbeatThrottle time.Duration
	SnapshotInterval  time.Duration
	MaxConnections    int // 0 means unlimited
	Policy            session.VisibilityPolicy
}

// Broadcaster fans registry lifecycle events out to websocket subscribers and
// in-process listeners. The registry hands events over through Publish, which
// never blocks: events go into a bounded queue drained by a dispatcher
// goroutine. Subscribers only receive events for sessions their viewer may
// see, and a subscriber that cannot keep up is disconnected; it recovers by
// reconnecting and receiving a fresh snapshot.
type Broadcaster struct {
	mu        sync.RWMutex // protects clients, listeners, policy, throttle
	clients   map[*client]bool
	listeners []chan<- session.Event
	policy    session.VisibilityPolicy
	throttle  time.Duration

	source    Source
	stream    string
	clientBuf int
	maxConns  int

	queue        chan session.Event
	dropMu       sync.Mutex
	dropped      int64
	lastDropLog  time.Time
	listenerDrop int64

	// dispatchMu orders everything a client receives: events, heartbeat
	// flushes, periodic snapshots and the connect snapshot.
	dispatchMu sync.Mutex

	// Heartbeats are coalesced and flushed on the dispatcher goroutine. A
	// heartbeat for a session the source no longer holds is discarded.
	flushMu           sync.Mutex
	pendingHeartbeats map[string]session.Record
	flushTimer        *time.Timer
	flushReq          chan struct{}

	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

func NewBroadcaster(source Source, opts Options) *Broadcaster {
	if opts.Stream == "" {
		opts.Stream = "sessions"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}

	b := &Broadcaster{
		clients:           make(map[*client]bool),
		policy:            opts.Policy,
		throttle:          opts.HeartbeatThrottle,
		source:            source,
		stream:            opts.Stream,
		clientBuf:         opts.ClientBuffer,
		maxConns:          opts.MaxConnections,
		queue:             make(chan session.Event, opts.QueueSize),
		pendingHeartbeats: make(map[string]session.Record),
		flushReq:          make(chan struct{}, 1),
		snapshotTicker:    time.NewTicker(opts.SnapshotInterval),
		done:              make(chan struct{}),
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Publish implements session.Publisher. It never blocks; when the queue is
// full the event is dropped and the drop is logged at most once per 10s.
// Subscribers repair the gap from the next snapshot. Shutdown closes are the
// exception: they wait for queue space so every one reaches the listeners.
func (b *Broadcaster) Publish(ev session.Event) {
	select {
	case <-b.done:
		return
	default:
	}

	if isShutdownClose(ev) {
		select {
		case b.queue <- ev:
		case <-b.done:
		}
		return
	}

	select {
	case b.queue <- ev:
	default:
		b.dropMu.Lock()
		b.dropped++
		now := time.Now()
		if b.lastDropLog.IsZero() || now.Sub(b.lastDropLog) >= 10*time.Second {
			log.Printf("[broadcast] dropped %d event(s): queue full", b.dropped)
			b.dropped = 0
			b.lastDropLog = now
		}
		b.dropMu.Unlock()
	}
}

// AddListener registers an in-process observer (audit, stats). Sends are
// non-blocking; a listener that falls behind loses events, except shutdown
// closes, which wait up to listenerShutdownWait.
func (b *Broadcaster) AddListener(ch chan<- session.Event) {
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
}

// SetPolicy replaces the visibility policy for subsequent events.
func (b *Broadcaster) SetPolicy(p session.VisibilityPolicy) {
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()
}

// Policy returns the current visibility policy.
func (b *Broadcaster) Policy() session.VisibilityPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

// SetHeartbeatThrottle changes the heartbeat coalescing window. Zero sends
// every heartbeat immediately.
func (b *Broadcaster) SetHeartbeatThrottle(d time.Duration) {
	b.mu.Lock()
	b.throttle = d
	b.mu.Unlock()
}

// AddClient subscribes a websocket connection on behalf of viewer and sends
// it a filtered snapshot of the live sessions.
func (b *Broadcaster) AddClient(conn *websocket.Conn, viewer session.Viewer) (*client, error) {
	c := &client{
		conn:   conn,
		b:      b,
		viewer: viewer,
		send:   make(chan []byte, b.clientBuf),
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	if data, err := b.snapshotFor(viewer); err == nil {
		b.deliver(c, data)
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the dispatcher and disconnects every client.
// Events still queued are delivered to listeners first.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.snapshotTicker.Stop()
		b.wg.Wait()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			b.drain()
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.flushReq:
			b.flush()
		case <-b.snapshotTicker.C:
			b.broadcastSnapshots()
		}
	}
}

// drain delivers whatever is still queued at shutdown, so closing events
// emitted by the registry's CloseAll reach the audit log.
func (b *Broadcaster) drain() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Broadcaster) dispatch(ev session.Event) {
	b.notifyListeners(ev)

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	switch ev.Type {
	case session.EventOpened:
		b.broadcastEvent(EventOpened, ev)
	case session.EventClosed:
		b.flushMu.Lock()
		delete(b.pendingHeartbeats, ev.Record.ID)
		b.flushMu.Unlock()
		b.broadcastEvent(EventClosed, ev)
	case session.EventHeartbeat:
		b.queueHeartbeat(ev)
	}
}

func (b *Broadcaster) notifyListeners(ev session.Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	shutdown := isShutdownClose(ev)
	for _, ch := range listeners {
		if shutdown && sendWithin(ch, ev, listenerShutdownWait) {
			continue
		}
		select {
		case ch <- ev:
		default:
			b.dropMu.Lock()
			b.listenerDrop++
			n := b.listenerDrop
			b.dropMu.Unlock()
			if n == 1 || n%100 == 0 {
				log.Printf("[broadcast] listener too slow, %d event(s) dropped so far", n)
			}
		}
	}
}

// queueHeartbeat coalesces heartbeats per session within the throttle window.
func (b *Broadcaster) queueHeartbeat(ev session.Event) {
	b.mu.RLock()
	throttle := b.throttle
	b.mu.RUnlock()

	if throttle <= 0 {
		if b.live(ev.Record.ID) {
			b.broadcastEvent(EventHeartbeat, ev)
		}
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingHeartbeats[ev.Record.ID] = ev.Record
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(throttle, b.requestFlush)
	}
}

func (b *Broadcaster) requestFlush() {
	select {
	case b.flushReq <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) flush() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.flushMu.Lock()
	pending := b.pendingHeartbeats
	b.pendingHeartbeats = make(map[string]session.Record)
	b.flushTimer = nil
	b.flushMu.Unlock()

	records := make([]session.Record, 0, len(pending))
	for id, rec := range pending {
		if b.live(id) {
			records = append(records, rec)
		}
	}
	session.SortRecords(records)
	for _, rec := range records {
		b.broadcastEvent(EventHeartbeat, session.Event{Type: session.EventHeartbeat, Record: rec})
	}
}

// live reports whether the source still holds the session. The registry
// removes a session before publishing its close, so a heartbeat dispatched
// after that point is stale.
func (b *Broadcaster) live(id string) bool {
	_, ok := b.source.Get(id)
	return ok
}

func isShutdownClose(ev session.Event) bool {
	return ev.Type == session.EventClosed && ev.Reason == session.ReasonShutdown
}

func sendWithin(ch chan<- session.Event, ev session.Event, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case ch <- ev:
		return true
	case <-t.C:
		return false
	}
}

// broadcastSnapshots sends every client its own filtered view of the live
// sessions, so subscribers that missed events converge.
func (b *Broadcaster) broadcastSnapshots() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	all := b.source.ListActive()
	policy := b.Policy()
	for _, c := range b.snapshotClients() {
		data, err := json.Marshal(Message{
			Stream: b.stream,
			Event:  EventSnapshot,
			Data:   SnapshotPayload{Sessions: session.Filter(all, c.viewer, policy)},
		})
		if err != nil {
			log.Printf("[broadcast] snapshot marshal error: %v", err)
			return
		}
		b.deliver(c, data)
	}
}

func (b *Broadcaster) snapshotFor(viewer session.Viewer) ([]byte, error) {
	return json.Marshal(Message{
		Stream: b.stream,
		Event:  EventSnapshot,
		Data:   SnapshotPayload{Sessions: session.Filter(b.source.ListActive(), viewer, b.Policy())},
	})
}

// broadcastEvent delivers ev to every client whose viewer may see the
// session. Payloads are marshalled once per distinct view of the record.
func (b *Broadcaster) broadcastEvent(name string, ev session.Event) {
	policy := b.Policy()
	cache := make(map[session.Record][]byte, 2)

	for _, c := range b.snapshotClients() {
		if !policy.CanSee(c.viewer, ev.Record) {
			continue
		}

		var data interface{}
		view := policy.Apply(c.viewer, ev.Record)
		if ev.Type == session.EventClosed {
			data = closedPayload(ev)
			view = session.Record{}
		} else {
			data = view
		}

		msg, ok := cache[view]
		if !ok {
			var err error
			msg, err = json.Marshal(Message{Stream: b.stream, Event: name, Data: data})
			if err != nil {
				log.Printf("[broadcast] marshal error: %v", err)
				return
			}
			cache[view] = msg
		}
		b.deliver(c, msg)
	}
}

func (b *Broadcaster) snapshotClients() []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

func (b *Broadcaster) deliver(c *client, data []byte) {
	// The send happens under the read lock so RemoveClient cannot close the
	// channel underneath it.
	b.mu.RLock()
	if !b.clients[c] {
		b.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		b.mu.RUnlock()
		return
	default:
	}
	b.mu.RUnlock()

	// Client can't keep up, disconnect it
	log.Printf("[broadcast] ws client %s too slow, disconnecting", c.viewer.UserID)
	b.RemoveClient(c)
}
