package session

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryStorageInsertAndGet(t *testing.T) {
	s := NewMemoryStorage()
	rec := Record{ID: "s1", UserID: "alice", ConnectionID: "prod-01", ProtocolID: ProtocolTerminal}
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Get("s1")
	if err != nil || !ok {
		t.Fatalf("Get returned ok=%v err=%v", ok, err)
	}
	if got.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", got.UserID)
	}

	id, ok, _ := s.Lookup(Key{UserID: "alice", ConnectionID: "prod-01"})
	if !ok || id != "s1" {
		t.Errorf("Lookup = (%q, %v), want (s1, true)", id, ok)
	}
}

func TestMemoryStorageInsertDuplicateKey(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Insert(Record{ID: "s1", UserID: "alice", ConnectionID: "c1"})

	err := s.Insert(Record{ID: "s2", UserID: "alice", ConnectionID: "c1"})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if n, _ := s.Len(); n != 1 {
		t.Errorf("Len = %d after rejected insert, want 1", n)
	}
}

func TestMemoryStorageGetReturnsCopy(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Insert(Record{ID: "s1", UserID: "alice", ConnectionID: "c1", Host: "original"})

	got, _, _ := s.Get("s1")
	got.Host = "mutated"

	again, _, _ := s.Get("s1")
	if again.Host != "original" {
		t.Error("Get did not return a copy; mutation leaked into storage")
	}
}

func TestMemoryStorageAllReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Insert(Record{ID: "s1", UserID: "alice", ConnectionID: "c1", Host: "original"})

	all, _ := s.All()
	all[0].Host = "mutated"

	again, _, _ := s.Get("s1")
	if again.Host != "original" {
		t.Error("All did not return copies; mutation leaked into storage")
	}
}

func TestMemoryStorageTouchNeverMovesBackwards(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStorage()
	_ = s.Insert(Record{ID: "s1", UserID: "alice", ConnectionID: "c1", LastSeenAt: base})

	rec, ok, _ := s.Touch("s1", base.Add(time.Minute))
	if !ok || !rec.LastSeenAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("Touch forward: got %v ok=%v", rec.LastSeenAt, ok)
	}

	rec, _, _ = s.Touch("s1", base)
	if !rec.LastSeenAt.Equal(base.Add(time.Minute)) {
		t.Errorf("Touch moved LastSeenAt backwards to %v", rec.LastSeenAt)
	}
}

func TestMemoryStorageDeleteKeepsIndexConsistent(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Insert(Record{ID: "s1", UserID: "alice", ConnectionID: "c1"})

	if _, ok, _ := s.Delete("s1"); !ok {
		t.Fatal("Delete returned ok=false for existing record")
	}
	if _, ok, _ := s.Lookup(Key{UserID: "alice", ConnectionID: "c1"}); ok {
		t.Error("index still holds key after Delete")
	}
	if _, ok, _ := s.Delete("s1"); ok {
		t.Error("second Delete returned ok=true")
	}
	if err := s.Insert(Record{ID: "s2", UserID: "alice", ConnectionID: "c1"}); err != nil {
		t.Errorf("re-insert after delete: %v", err)
	}
}
