// Package audit records session lifecycle events (opened, closed with reason
// and duration) to the session_audit_logs table.
package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/database"
	"github.com/CharlesNg35/shellcn-sub007/internal/logging"
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const (
	ActionOpened = "session.opened"
	ActionClosed = "session.closed"
)

// DefaultRetentionDays is used when the configured retention is not positive.
const DefaultRetentionDays = 90

// Entry contains the fields of one audit row.
type Entry struct {
	UserID       string
	Action       string
	SessionID    string
	ConnectionID string
	ProtocolID   string
	Reason       string
	DurationMs   int64
}

// Recorder writes audit rows. It is fed by the broadcaster's listener
// fan-out, so client closes, sweeper timeouts and shutdown closes are all
// recorded the same way.
type Recorder struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
	cron          *cron.Cron
}

func NewRecorder(db *gorm.DB, retentionDays int) *Recorder {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Recorder{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log writes one entry.
func (r *Recorder) Log(entry Entry) error {
	row := database.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		SessionID:    entry.SessionID,
		ConnectionID: entry.ConnectionID,
		ProtocolID:   entry.ProtocolID,
		Reason:       entry.Reason,
		DurationMs:   entry.DurationMs,
	}

	r.mu.RLock()
	row.CreatedAt = r.nowFn()
	err := r.db.Create(&row).Error
	r.mu.RUnlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s connection=%s session=%s reason=%s",
		entry.Action,
		logging.Sanitize(entry.UserID),
		logging.Sanitize(entry.ConnectionID),
		entry.SessionID,
		entry.Reason,
	)
	return nil
}

// EntryFor converts a lifecycle event into an audit entry. Heartbeats are
// not audited.
func EntryFor(ev session.Event) (Entry, bool) {
	entry := Entry{
		UserID:       ev.Record.UserID,
		SessionID:    ev.Record.ID,
		ConnectionID: ev.Record.ConnectionID,
		ProtocolID:   ev.Record.ProtocolID,
	}
	switch ev.Type {
	case session.EventOpened:
		entry.Action = ActionOpened
	case session.EventClosed:
		entry.Action = ActionClosed
		entry.Reason = string(ev.Reason)
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		entry.DurationMs = ev.Record.Duration(at).Milliseconds()
	default:
		return Entry{}, false
	}
	return entry, true
}

// Run consumes events until ctx is done or events is closed. Write failures
// are logged and never stop the loop.
func (r *Recorder) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if entry, ok := EntryFor(ev); ok {
				r.Log(entry)
			}
		}
	}
}

func (r *Recorder) drain(events <-chan session.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if entry, ok := EntryFor(ev); ok {
				r.Log(entry)
			}
		default:
			return
		}
	}
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	UserID       string
	ConnectionID string
	SessionID    string
	Action       string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns entries matching opts, newest first.
func (r *Recorder) Query(opts QueryOptions) (*QueryResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx := r.db.Model(&database.AuditLog{})
	if opts.UserID != "" {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Action != "" {
		tx = tx.Where("action = ?", opts.Action)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days is not positive) and returns how many were deleted.
func (r *Recorder) PurgeOlderThan(days int) (int64, error) {
	r.mu.RLock()
	if days <= 0 {
		days = r.retentionDays
	}
	cutoff := r.nowFn().AddDate(0, 0, -days)
	result := r.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	r.mu.RUnlock()

	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// StartPurge schedules PurgeOlderThan on a cron spec such as "@daily".
func (r *Recorder) StartPurge(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.PurgeOlderThan(0) }); err != nil {
		return fmt.Errorf("audit purge schedule %q: %w", spec, err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	log.Printf("[audit] retention purge scheduled %q (%d days)", spec, r.RetentionDays())
	return nil
}

// StopPurge stops the purge schedule and waits for a running purge.
func (r *Recorder) StopPurge() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// SetRetentionDays changes the retention used by scheduled purges.
func (r *Recorder) SetRetentionDays(days int) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	r.mu.Lock()
	r.retentionDays = days
	r.mu.Unlock()
}

func (r *Recorder) RetentionDays() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (r *Recorder) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	r.nowFn = fn
	r.mu.Unlock()
}
