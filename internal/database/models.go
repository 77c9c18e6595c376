package database

import (
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

// ActiveSession is one live row of the durable registry. The composite unique
// index backs the one-session-per-(user, connection) rule at the storage
// level as well.
type ActiveSession struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	UserID          string    `gorm:"not null;uniqueIndex:idx_active_user_connection" json:"user_id"`
	ConnectionID    string    `gorm:"not null;uniqueIndex:idx_active_user_connection" json:"connection_id"`
	UserDisplayName string    `json:"user_name"`
	TeamID          string    `gorm:"index" json:"team_id"`
	ProtocolID      string    `gorm:"not null" json:"protocol_id"`
	StartedAt       time.Time `gorm:"not null" json:"started_at"`
	LastSeenAt      time.Time `gorm:"not null" json:"last_seen_at"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
}

func (ActiveSession) TableName() string {
	return "active_sessions"
}

func activeSessionFrom(rec session.Record) ActiveSession {
	return ActiveSession{
		ID:              rec.ID,
		UserID:          rec.UserID,
		ConnectionID:    rec.ConnectionID,
		UserDisplayName: rec.UserDisplayName,
		TeamID:          rec.TeamID,
		ProtocolID:      rec.ProtocolID,
		StartedAt:       rec.StartedAt,
		LastSeenAt:      rec.LastSeenAt,
		Host:            rec.Host,
		Port:            rec.Port,
	}
}

func (a ActiveSession) Record() session.Record {
	return session.Record{
		ID:              a.ID,
		UserID:          a.UserID,
		ConnectionID:    a.ConnectionID,
		UserDisplayName: a.UserDisplayName,
		TeamID:          a.TeamID,
		ProtocolID:      a.ProtocolID,
		StartedAt:       a.StartedAt,
		LastSeenAt:      a.LastSeenAt,
		Host:            a.Host,
		Port:            a.Port,
	}
}

// AuditLog is one lifecycle entry written by the audit recorder.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UserID       string    `gorm:"index;not null" json:"user_id"`
	Action       string    `gorm:"index;not null" json:"action"`
	SessionID    string    `gorm:"index" json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	ProtocolID   string    `json:"protocol_id"`
	Reason       string    `json:"reason,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

func (AuditLog) TableName() string {
	return "session_audit_logs"
}
