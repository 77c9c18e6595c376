package mock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/launcher"
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

// Behaviour patterns of simulated users.
const (
	// steady heartbeats every tick and reconnects after its lifetime ends.
	patternSteady = "steady"
	// bursty heartbeats every third tick.
	patternBursty = "bursty"
	// abandon stops heartbeating without closing, leaving the sweeper to
	// expire the session, then tries to come back.
	patternAbandon = "abandon"
	// double opens a second tab on the same connection now and then.
	patternDouble = "double"
)

type mockUser struct {
	req      launcher.Request
	pattern  string
	lifetime int // ticks before a clean close; 0 keeps the session open
	idleFrom int // abandon: tick age after which heartbeats stop

	handle   *launcher.Handle
	age      int
	cooldown int
}

// mockDriver pretends to open protocol connections. Every failEvery-th
// connect fails, exercising the unregister-on-failure path.
type mockDriver struct {
	protocol  string
	failEvery int64
	calls     atomic.Int64
}

type mockConn struct{}

func (mockConn) Close() error { return nil }

func (d *mockDriver) Protocol() string { return d.protocol }

func (d *mockDriver) Connect(ctx context.Context, req launcher.Request) (launcher.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := d.calls.Add(1)
	if d.failEvery > 0 && n%d.failEvery == 0 {
		return nil, fmt.Errorf("mock %s: %s:%d unreachable", d.protocol, req.Host, req.Port)
	}
	return mockConn{}, nil
}

// Drivers returns one simulated driver per protocol.
func Drivers() []launcher.Driver {
	return []launcher.Driver{
		&mockDriver{protocol: session.ProtocolTerminal},
		&mockDriver{protocol: session.ProtocolDesktop},
		&mockDriver{protocol: session.ProtocolDatabase, failEvery: 5},
		&mockDriver{protocol: session.ProtocolContainer},
	}
}

// Generator drives a fleet of simulated users through a Launcher so the
// registry, sweeper, broadcaster and audit log see realistic traffic.
type Generator struct {
	launcher *launcher.Launcher
	interval time.Duration
	rng      *rand.Rand

	mu       sync.Mutex
	users    []*mockUser
	rejected int
	failed   int
}

func NewGenerator(l *launcher.Launcher) *Generator {
	return &Generator{
		launcher: l,
		interval: 500 * time.Millisecond,
		rng:      rand.New(rand.NewSource(1)),
		users:    defaultFleet(),
	}
}

func defaultFleet() []*mockUser {
	return []*mockUser{
		{
			req: launcher.Request{ProtocolID: session.ProtocolTerminal, UserID: "mock-alice", UserDisplayName: "Alice (mock)",
				TeamID: "ops", ConnectionID: "prod-web-01", Host: "10.0.1.11", Port: 22},
			pattern: patternSteady, lifetime: 40,
		},
		{
			req: launcher.Request{ProtocolID: session.ProtocolDatabase, UserID: "mock-alice", UserDisplayName: "Alice (mock)",
				TeamID: "ops", ConnectionID: "orders-db", Host: "10.0.2.20", Port: 5432},
			pattern: patternBursty, lifetime: 25,
		},
		{
			req: launcher.Request{ProtocolID: session.ProtocolTerminal, UserID: "mock-bob", UserDisplayName: "Bob (mock)",
				TeamID: "ops", ConnectionID: "prod-web-01", Host: "10.0.1.11", Port: 22},
			pattern: patternDouble,
		},
		{
			req: launcher.Request{ProtocolID: session.ProtocolDesktop, UserID: "mock-carol", UserDisplayName: "Carol (mock)",
				TeamID: "design", ConnectionID: "win-build-02", Host: "10.0.3.5", Port: 3389},
			pattern: patternAbandon, idleFrom: 8,
		},
		{
			req: launcher.Request{ProtocolID: session.ProtocolContainer, UserID: "mock-dave", UserDisplayName: "Dave (mock)",
				TeamID: "platform", ConnectionID: "k8s-staging", Host: "10.0.4.2", Port: 6443},
			pattern: patternSteady, lifetime: 60,
		},
	}
}

// Start launches the initial sessions and keeps the fleet moving until ctx is
// cancelled, when every held session is closed.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	for _, u := range g.users {
		g.launch(ctx, u)
	}
	g.mu.Unlock()

	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.closeAll()
			return
		case <-ticker.C:
			g.step(ctx)
		}
	}
}

func (g *Generator) step(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, u := range g.users {
		if u.handle == nil {
			if u.cooldown > 0 {
				u.cooldown--
				continue
			}
			g.launch(ctx, u)
			continue
		}

		u.age++
		switch u.pattern {
		case patternSteady:
			u.handle.Heartbeat()
		case patternBursty:
			if u.age%3 == 0 {
				u.handle.Heartbeat()
			}
		case patternDouble:
			u.handle.Heartbeat()
			if u.age%10 == 0 {
				g.launch(ctx, &mockUser{req: u.req})
			}
		case patternAbandon:
			if u.age < u.idleFrom {
				u.handle.Heartbeat()
			} else if u.age == u.idleFrom {
				// Walk away without closing; the sweeper reaps it.
				log.Printf("[mock] %s abandoned session %s", u.req.UserID, u.handle.ID)
				u.handle = nil
				u.cooldown = 20
				continue
			}
		}

		if u.lifetime > 0 && u.age >= u.lifetime {
			u.handle.Close()
			u.handle = nil
			u.cooldown = 2 + g.rng.Intn(4)
		}
	}
}

// launch must be called with g.mu held.
func (g *Generator) launch(ctx context.Context, u *mockUser) {
	h, err := g.launcher.Launch(ctx, u.req)
	switch {
	case errors.Is(err, launcher.ErrAlreadyActive):
		g.rejected++
		u.cooldown = 5
		return
	case err != nil:
		g.failed++
		u.cooldown = 3
		log.Printf("[mock] %s launch failed: %v", u.req.UserID, err)
		return
	}
	u.handle = h
	u.age = 0
}

func (g *Generator) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.users {
		if u.handle != nil {
			u.handle.Close()
			u.handle = nil
		}
	}
}

// Counts reports duplicate rejections and driver failures so far.
func (g *Generator) Counts() (rejected, failed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejected, g.failed
}
