package stats

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

const defaultSaveInterval = 30 * time.Second

// Tracker observes session lifecycle events and maintains aggregate stats.
// It receives events from the broadcaster via a channel and periodically
// persists the accumulated stats to disk.
type Tracker struct {
	persist      *Store
	stats        *Stats
	events       chan session.Event
	saveInterval time.Duration

	mu          sync.Mutex
	dirty       bool
	counted     map[string]bool // session IDs already counted as opened
	users       map[string]bool
	connections map[string]bool
}

// NewTracker loads existing stats and returns the tracker together with the
// send-only channel to register as a broadcaster listener. The caller must
// run Run in a goroutine.
func NewTracker(persist *Store) (*Tracker, chan<- session.Event, error) {
	stats, err := persist.Load()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan session.Event, 256)
	t := &Tracker{
		persist:      persist,
		stats:        stats,
		events:       ch,
		saveInterval: defaultSaveInterval,
		counted:      make(map[string]bool),
		users:        make(map[string]bool),
		connections:  make(map[string]bool),
	}
	return t, ch, nil
}

// Run processes events and periodically saves dirty stats to disk.
// It blocks until ctx is cancelled, then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drain()
			t.save()
			return
		case ev := <-t.events:
			t.processEvent(ev)
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case ev := <-t.events:
			t.processEvent(ev)
		default:
			return
		}
	}
}

// Stats returns a deep copy of the current aggregate stats.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

func (t *Tracker) processEvent(ev session.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := ev.Record
	switch ev.Type {
	case session.EventOpened:
		if t.counted[rec.ID] {
			return
		}
		t.counted[rec.ID] = true
		t.stats.TotalOpened++
		t.stats.SessionsPerProtocol[rec.ProtocolID]++
		if !t.users[rec.UserID] {
			t.users[rec.UserID] = true
			t.stats.DistinctUsers++
		}
		if !t.connections[rec.ConnectionID] {
			t.connections[rec.ConnectionID] = true
			t.stats.DistinctConnections++
		}
		if !rec.StartedAt.IsZero() {
			t.stats.LastSessionStarted = rec.StartedAt.UTC().Format(time.RFC3339)
		}

	case session.EventClosed:
		t.stats.TotalClosed++
		t.stats.ClosedByReason[string(ev.Reason)]++
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		dur := rec.Duration(at).Seconds()
		t.stats.TotalSessionSec += dur
		if dur > t.stats.LongestSessionSec {
			t.stats.LongestSessionSec = dur
		}
		delete(t.counted, rec.ID)

	case session.EventHeartbeat:
		// Heartbeats only refresh the live count below.
	}

	t.stats.CurrentlyActive = ev.ActiveCount
	if ev.ActiveCount > t.stats.PeakConcurrent {
		t.stats.PeakConcurrent = ev.ActiveCount
	}
	t.dirty = true
}

func (t *Tracker) save() {
	t.mu.Lock()
	stats := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(stats); err != nil {
		log.Printf("[stats] failed to save stats: %v", err)
	}
}
