package session

import "time"

// Storage is the backing store behind a Registry: a primary table keyed by
// session id plus the uniqueness index keyed by (user, connection).
//
// Implementations are not required to be safe for concurrent use. The
// Registry calls them only while holding its own lock, so the check-and-insert
// in Register and every table/index pair update happen in one critical
// section regardless of the backend. Records passed in and returned are
// values; implementations must never hand out references to their internals.
type Storage interface {
	Get(id string) (Record, bool, error)
	Lookup(key Key) (string, bool, error)
	Insert(rec Record) error
	Touch(id string, at time.Time) (Record, bool, error)
	Delete(id string) (Record, bool, error)
	All() ([]Record, error)
	Len() (int, error)
}

// MemoryStorage is the default in-process Storage: an arena of records keyed
// by id and a secondary index keyed by Key.
type MemoryStorage struct {
	records map[string]*Record
	index   map[Key]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*Record),
		index:   make(map[Key]string),
	}
}

func (s *MemoryStorage) Get(id string) (Record, bool, error) {
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

func (s *MemoryStorage) Lookup(key Key) (string, bool, error) {
	id, ok := s.index[key]
	return id, ok, nil
}

// Insert adds rec to both the table and the index. The caller has already
// checked the index; a present key here is a registry bug.
func (s *MemoryStorage) Insert(rec Record) error {
	if existing, ok := s.index[rec.Key()]; ok {
		return &DuplicateSessionError{Key: rec.Key(), ExistingID: existing}
	}
	stored := rec
	s.records[rec.ID] = &stored
	s.index[rec.Key()] = rec.ID
	return nil
}

// Touch advances LastSeenAt to at. An older timestamp leaves the record
// unchanged so LastSeenAt never moves backwards.
func (s *MemoryStorage) Touch(id string, at time.Time) (Record, bool, error) {
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false, nil
	}
	if at.After(rec.LastSeenAt) {
		rec.LastSeenAt = at
	}
	return *rec, true, nil
}

func (s *MemoryStorage) Delete(id string) (Record, bool, error) {
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false, nil
	}
	delete(s.records, id)
	if s.index[rec.Key()] == id {
		delete(s.index, rec.Key())
	}
	return *rec, true, nil
}

func (s *MemoryStorage) All() ([]Record, error) {
	result := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, *rec)
	}
	return result, nil
}

func (s *MemoryStorage) Len() (int, error) {
	return len(s.records), nil
}
