// Package sweeper evicts sessions whose owners stopped heartbeating.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

// Registry is the slice of the session registry the sweeper needs. The
// sweeper holds no session state of its own.
type Registry interface {
	ListActive() []session.Record
	ExpireIdle(id string, cutoff time.Time) bool
	Now() time.Time
}

type Sweeper struct {
	mu       sync.RWMutex // protects interval, grace
	registry Registry
	interval time.Duration
	grace    time.Duration
	reset    chan struct{}
}

// New creates a Sweeper that runs every interval and expires sessions idle
// for longer than grace.
func New(registry Registry, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		grace:    grace,
		reset:    make(chan struct{}, 1),
	}
}

// SetConfig replaces the sweep interval and grace period. A running Start
// loop recreates its ticker so the new interval applies without a restart.
func (s *Sweeper) SetConfig(interval, grace time.Duration) {
	s.mu.Lock()
	s.interval = interval
	s.grace = grace
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Sweeper) timings() (time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval, s.grace
}

// Start sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	interval, grace := s.timings()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[sweeper] started (interval %s, grace %s)", interval, grace)

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-s.reset:
			ticker.Stop()
			interval, grace = s.timings()
			ticker = time.NewTicker(interval)
			log.Printf("[sweeper] reconfigured (interval %s, grace %s)", interval, grace)
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep expires every session idle for longer than the grace period and
// returns how many were removed. A session that heartbeats between the scan
// and its eviction survives.
func (s *Sweeper) Sweep() int {
	_, grace := s.timings()
	now := s.registry.Now()
	cutoff := now.Add(-grace)

	expired := 0
	for _, rec := range s.registry.ListActive() {
		if rec.IdleFor(now) <= grace {
			continue
		}
		if s.registry.ExpireIdle(rec.ID, cutoff) {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[sweeper] expired %d idle session(s) (grace %s)", expired, grace)
	}
	return expired
}
