package launcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

type fakeConn struct {
	closed atomic.Int32
	err    error
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return c.err
}

type fakeDriver struct {
	protocol string
	err      error
	// onConnect runs inside Connect, before the connection is returned.
	onConnect func(req Request)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDriver) Protocol() string { return d.protocol }

func (d *fakeDriver) Connect(_ context.Context, req Request) (Conn, error) {
	if d.onConnect != nil {
		d.onConnect(req)
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func request(user, conn string) Request {
	return Request{ProtocolID: session.ProtocolTerminal, UserID: user, UserDisplayName: user, ConnectionID: conn, Host: "10.0.0.1", Port: 22}
}

func TestLaunchRegistersBeforeConnect(t *testing.T) {
	reg := session.NewRegistry(nil)
	var registeredDuringConnect bool
	d := &fakeDriver{protocol: session.ProtocolTerminal, onConnect: func(req Request) {
		registeredDuringConnect = reg.HasActiveSession(req.UserID, req.ConnectionID)
	}}
	l := New(reg, d)

	h, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !registeredDuringConnect {
		t.Error("session was not registered before Connect")
	}
	got, ok := reg.Get(h.ID)
	if !ok || got.ProtocolID != session.ProtocolTerminal || got.Host != "10.0.0.1" {
		t.Errorf("registered record = %+v, %v", got, ok)
	}
}

func TestLaunchDuplicate(t *testing.T) {
	reg := session.NewRegistry(nil)
	l := New(reg, &fakeDriver{protocol: session.ProtocolTerminal})

	first, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Launch(context.Background(), request("alice", "prod-01"))
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Launch err = %v, want ErrAlreadyActive", err)
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", reg.Count())
	}

	// Another user on the same connection is independent.
	if _, err := l.Launch(context.Background(), request("bob", "prod-01")); err != nil {
		t.Errorf("bob Launch: %v", err)
	}

	first.Close()
	if _, err := l.Launch(context.Background(), request("alice", "prod-01")); err != nil {
		t.Errorf("Launch after Close: %v", err)
	}
}

// Pre-flight passes for both callers; Register lets exactly one through and
// the loser's error still carries the winner's id.
func TestLaunchRaceReportsExistingSession(t *testing.T) {
	reg := session.NewRegistry(nil)
	l := New(reg, &fakeDriver{protocol: session.ProtocolTerminal})

	const n = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		handles []*Handle
		dups    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := l.Launch(context.Background(), request("alice", "prod-01"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dups = append(dups, err)
				return
			}
			handles = append(handles, h)
		}()
	}
	close(start)
	wg.Wait()

	if len(handles) != 1 {
		t.Fatalf("%d launches succeeded, want 1", len(handles))
	}
	for _, err := range dups {
		if !errors.Is(err, ErrAlreadyActive) {
			t.Errorf("loser err = %v", err)
		}
		var dup *session.DuplicateSessionError
		if errors.As(err, &dup) && dup.ExistingID != handles[0].ID {
			t.Errorf("ExistingID = %s, want %s", dup.ExistingID, handles[0].ID)
		}
	}
}

func TestLaunchConnectFailureUnregisters(t *testing.T) {
	reg := session.NewRegistry(nil)
	boom := errors.New("connection refused")
	l := New(reg, &fakeDriver{protocol: session.ProtocolTerminal, err: boom})

	_, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped connect error", err)
	}
	if reg.HasActiveSession("alice", "prod-01") {
		t.Error("failed launch left a session registered")
	}
}

func TestLaunchUnknownProtocol(t *testing.T) {
	l := New(session.NewRegistry(nil))
	req := request("alice", "prod-01")
	req.ProtocolID = session.ProtocolDesktop
	if _, err := l.Launch(context.Background(), req); err == nil {
		t.Fatal("Launch with no driver should fail")
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	reg := session.NewRegistry(nil)
	d := &fakeDriver{protocol: session.ProtocolTerminal}
	l := New(reg, d)

	h, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
	h.Close()

	if got := d.conns[0].closed.Load(); got != 1 {
		t.Errorf("conn closed %d times, want 1", got)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d after Close", reg.Count())
	}
}

func TestHandleCloseUnregistersWhenConnCloseFails(t *testing.T) {
	reg := session.NewRegistry(nil)
	l := New(reg)
	l.AddDriver(&fakeDriver{protocol: session.ProtocolTerminal})

	h, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if err != nil {
		t.Fatal(err)
	}
	h.conn.(*fakeConn).err = errors.New("broken pipe")

	if err := h.Close(); err == nil {
		t.Error("Close should surface the driver error")
	}
	if reg.HasActiveSession("alice", "prod-01") {
		t.Error("session survived a failed driver close")
	}
}

func TestHandleHeartbeat(t *testing.T) {
	reg := session.NewRegistry(nil)
	var beats atomic.Int32
	reg.SetPublisher(session.PublisherFunc(func(ev session.Event) {
		if ev.Type == session.EventHeartbeat {
			beats.Add(1)
		}
	}))
	l := New(reg, &fakeDriver{protocol: session.ProtocolTerminal})

	h, err := l.Launch(context.Background(), request("alice", "prod-01"))
	if err != nil {
		t.Fatal(err)
	}
	h.Heartbeat()
	h.Close()
	h.Heartbeat()

	if beats.Load() != 1 {
		t.Errorf("heartbeats = %d, want 1", beats.Load())
	}
}
