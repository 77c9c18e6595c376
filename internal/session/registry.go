package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/logging"
	"github.com/google/uuid"
)

// ErrIDInUse is returned when a caller-supplied session id is already taken.
var ErrIDInUse = errors.New("session id already registered")

// Registry tracks every live session and enforces the one-session-per-
// (user, connection) invariant.
//
// Register, Unregister, Heartbeat, ExpireIdle and CloseAll take the exclusive
// lock; ListActive, HasActiveSession, Get and Count take the shared lock.
// Lifecycle events are handed to the Publisher only after the lock has been
// released, so a slow observer never stalls registration.
type Registry struct {
	mu        sync.RWMutex
	storage   Storage
	publisher Publisher
	nowFn     func() time.Time
	newID     func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowFn = now }
}

// WithIDGenerator overrides the UUID generator used when a record arrives
// without an id.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates a Registry over storage. A nil storage means an empty
// MemoryStorage.
func NewRegistry(storage Storage, opts ...Option) *Registry {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	r := &Registry{
		storage:   storage,
		publisher: nopPublisher{},
		nowFn:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher replaces the event sink. It exists because the broadcaster
// needs the registry for snapshots and is therefore built after it.
func (r *Registry) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.nowFn()
}

// Register inserts rec if its (user, connection) key is free and returns the
// session id. When the key is taken it returns a *DuplicateSessionError
// carrying the existing id and inserts nothing. Under concurrent calls for
// the same key exactly one succeeds.
//
// An empty rec.ID is replaced with a fresh UUID; zero timestamps are set to
// now. Register panics if UserID, ConnectionID or ProtocolID is empty.
func (r *Registry) Register(rec Record) (string, error) {
	rec.validate()

	now := r.nowFn()
	if rec.ID == "" {
		rec.ID = r.newID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.LastSeenAt.Before(rec.StartedAt) {
		rec.LastSeenAt = rec.StartedAt
	}

	r.mu.Lock()
	existing, taken, err := r.storage.Lookup(rec.Key())
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("lookup session key: %w", err)
	}
	if taken {
		r.mu.Unlock()
		return "", &DuplicateSessionError{Key: rec.Key(), ExistingID: existing}
	}
	if _, used, err := r.storage.Get(rec.ID); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("lookup session id: %w", err)
	} else if used {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrIDInUse, rec.ID)
	}
	if err := r.storage.Insert(rec); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("insert session: %w", err)
	}
	active := r.lenLocked()
	pub := r.publisher
	r.mu.Unlock()

	log.Printf("[registry] opened session %s (user %s, connection %s, protocol %s)",
		logging.Sanitize(rec.ID), logging.Sanitize(rec.UserID),
		logging.Sanitize(rec.ConnectionID), logging.Sanitize(rec.ProtocolID))
	pub.Publish(Event{Type: EventOpened, Record: rec, At: now, ActiveCount: active})
	return rec.ID, nil
}

// Unregister removes the session with reason "client". Unknown ids are a
// no-op: a client close racing the sweeper is expected.
func (r *Registry) Unregister(id string) {
	r.UnregisterWithReason(id, ReasonClient)
}

// UnregisterWithReason removes the session and reports whether it existed.
func (r *Registry) UnregisterWithReason(id string, reason CloseReason) bool {
	r.mu.Lock()
	rec, ok, err := r.storage.Delete(id)
	active := r.lenLocked()
	pub := r.publisher
	r.mu.Unlock()

	if err != nil {
		log.Printf("[registry] delete session %s: %v", logging.Sanitize(id), err)
		return false
	}
	if !ok {
		return false
	}
	r.closed(pub, rec, reason, active)
	return true
}

// ExpireIdle removes the session with reason "timeout" only if its
// LastSeenAt is still before cutoff. The staleness check and the removal
// share one critical section, so a heartbeat that lands after the sweeper
// scanned the table keeps the session alive.
func (r *Registry) ExpireIdle(id string, cutoff time.Time) bool {
	r.mu.Lock()
	rec, ok, err := r.storage.Get(id)
	if err != nil || !ok || !rec.LastSeenAt.Before(cutoff) {
		r.mu.Unlock()
		if err != nil {
			log.Printf("[registry] lookup session %s: %v", logging.Sanitize(id), err)
		}
		return false
	}
	rec, ok, err = r.storage.Delete(id)
	active := r.lenLocked()
	pub := r.publisher
	r.mu.Unlock()

	if err != nil || !ok {
		if err != nil {
			log.Printf("[registry] delete session %s: %v", logging.Sanitize(id), err)
		}
		return false
	}
	r.closed(pub, rec, ReasonTimeout, active)
	return true
}

// CloseAll removes every live session with the given reason and returns how
// many were removed.
func (r *Registry) CloseAll(reason CloseReason) int {
	r.mu.Lock()
	all, err := r.storage.All()
	if err != nil {
		r.mu.Unlock()
		log.Printf("[registry] list sessions: %v", err)
		return 0
	}
	removed := make([]Record, 0, len(all))
	for _, rec := range all {
		if got, ok, err := r.storage.Delete(rec.ID); err == nil && ok {
			removed = append(removed, got)
		}
	}
	pub := r.publisher
	r.mu.Unlock()

	for i, rec := range removed {
		r.closed(pub, rec, reason, len(removed)-i-1)
	}
	return len(removed)
}

func (r *Registry) closed(pub Publisher, rec Record, reason CloseReason, active int) {
	now := r.nowFn()
	log.Printf("[registry] closed session %s (user %s, connection %s, reason %s, after %s)",
		logging.Sanitize(rec.ID), logging.Sanitize(rec.UserID), logging.Sanitize(rec.ConnectionID),
		reason, rec.Duration(now).Round(time.Second))
	pub.Publish(Event{Type: EventClosed, Record: rec, Reason: reason, At: now, ActiveCount: active})
}

// Heartbeat advances the session's LastSeenAt to now. Unknown ids are a
// no-op; the session may have just been reaped.
func (r *Registry) Heartbeat(id string) {
	now := r.nowFn()

	r.mu.Lock()
	rec, ok, err := r.storage.Touch(id, now)
	active := r.lenLocked()
	pub := r.publisher
	r.mu.Unlock()

	if err != nil {
		log.Printf("[registry] heartbeat session %s: %v", logging.Sanitize(id), err)
		return
	}
	if !ok {
		return
	}
	pub.Publish(Event{Type: EventHeartbeat, Record: rec, At: now, ActiveCount: active})
}

// HasActiveSession reports whether the (user, connection) pair currently owns
// a session. The answer is advisory; only Register decides.
func (r *Registry) HasActiveSession(userID, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok, err := r.storage.Lookup(Key{UserID: userID, ConnectionID: connectionID})
	if err != nil {
		log.Printf("[registry] lookup key: %v", err)
		return false
	}
	return ok
}

// Get returns a copy of one live record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok, err := r.storage.Get(id)
	if err != nil {
		log.Printf("[registry] get session %s: %v", logging.Sanitize(id), err)
		return Record{}, false
	}
	return rec, ok
}

// ListActive returns a snapshot of every live record ordered by start time.
// The slice is the caller's to keep.
func (r *Registry) ListActive() []Record {
	r.mu.RLock()
	all, err := r.storage.All()
	r.mu.RUnlock()
	if err != nil {
		log.Printf("[registry] list sessions: %v", err)
		return nil
	}
	SortRecords(all)
	return all
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *Registry) lenLocked() int {
	n, err := r.storage.Len()
	if err != nil {
		log.Printf("[registry] count sessions: %v", err)
		return 0
	}
	return n
}

// SortRecords orders records by StartedAt, then ID.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.Before(records[j].StartedAt)
		}
		return records[i].ID < records[j].ID
	})
}
