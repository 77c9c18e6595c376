package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"gorm.io/gorm"
)

// SessionStore is a session.Storage backed by the active_sessions table.
// Rows survive a restart; sessions whose owner disappeared with the old
// process are expired by the sweeper once their grace period runs out.
type SessionStore struct {
	db *gorm.DB
}

var _ session.Storage = (*SessionStore)(nil)

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(id string) (session.Record, bool, error) {
	var row ActiveSession
	err := s.db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Record{}, false, nil
	}
	if err != nil {
		return session.Record{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.Record(), true, nil
}

func (s *SessionStore) Lookup(key session.Key) (string, bool, error) {
	var row ActiveSession
	err := s.db.Select("id").
		Where("user_id = ? AND connection_id = ?", key.UserID, key.ConnectionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup session: %w", err)
	}
	return row.ID, true, nil
}

func (s *SessionStore) Insert(rec session.Record) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing ActiveSession
		err := tx.Select("id").
			Where("user_id = ? AND connection_id = ?", rec.UserID, rec.ConnectionID).
			First(&existing).Error
		if err == nil {
			return &session.DuplicateSessionError{Key: rec.Key(), ExistingID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("insert session: %w", err)
		}
		row := activeSessionFrom(rec)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// Touch advances last_seen_at; an older timestamp is ignored.
func (s *SessionStore) Touch(id string, at time.Time) (session.Record, bool, error) {
	rec, ok, err := s.Get(id)
	if err != nil || !ok {
		return rec, ok, err
	}
	if !at.After(rec.LastSeenAt) {
		return rec, true, nil
	}
	if err := s.db.Model(&ActiveSession{}).Where("id = ?", id).Update("last_seen_at", at).Error; err != nil {
		return session.Record{}, false, fmt.Errorf("touch session %s: %w", id, err)
	}
	rec.LastSeenAt = at
	return rec, true, nil
}

func (s *SessionStore) Delete(id string) (session.Record, bool, error) {
	rec, ok, err := s.Get(id)
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := s.db.Where("id = ?", id).Delete(&ActiveSession{}).Error; err != nil {
		return session.Record{}, false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *SessionStore) All() ([]session.Record, error) {
	var rows []ActiveSession
	if err := s.db.Order("started_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]session.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Record()
	}
	return out, nil
}

func (s *SessionStore) Len() (int, error) {
	var n int64
	if err := s.db.Model(&ActiveSession{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}
