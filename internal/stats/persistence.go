package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// statsVersion is bumped when the schema changes.
	statsVersion = 1

	statsFileName = "stats.json"
)

// Stats is the persistent aggregate of session lifecycle activity. Only
// counters are kept; individual sessions are never recorded.
type Stats struct {
	Version int `json:"version"`

	TotalOpened int `json:"total_opened"`
	TotalClosed int `json:"total_closed"`

	ClosedByReason      map[string]int `json:"closed_by_reason"`
	SessionsPerProtocol map[string]int `json:"sessions_per_protocol"`

	// Distinct counts cover the current process only.
	DistinctUsers       int `json:"distinct_users"`
	DistinctConnections int `json:"distinct_connections"`

	// Peak metrics (all-time highs)
	PeakConcurrent     int     `json:"peak_concurrent"`
	LongestSessionSec  float64 `json:"longest_session_sec"`
	TotalSessionSec    float64 `json:"total_session_sec"`
	CurrentlyActive    int     `json:"currently_active"`
	LastSessionStarted string  `json:"last_session_started,omitempty"` // RFC 3339

	LastUpdated time.Time `json:"last_updated"`
}

// AverageSessionSec is the mean duration of closed sessions.
func (st *Stats) AverageSessionSec() float64 {
	if st.TotalClosed == 0 {
		return 0
	}
	return st.TotalSessionSec / float64(st.TotalClosed)
}

// Store handles loading and saving Stats to disk.
type Store struct {
	dir string // directory containing stats.json
}

// NewStore creates a Store that reads/writes stats in dir. The directory is
// created on the first Save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

// Load reads stats from disk. A missing file yields empty stats.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newStats(), nil
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing stats: %w", err)
	}
	st.initMaps()
	st.CurrentlyActive = 0
	st.DistinctUsers = 0
	st.DistinctConnections = 0

	return &st, nil
}

// Save writes stats to disk using an atomic temp-file-then-rename pattern.
func (s *Store) Save(st *Stats) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating stats dir: %w", err)
	}

	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".stats-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming stats file: %w", err)
	}
	committed = true

	return nil
}

func newStats() *Stats {
	return &Stats{
		Version:             statsVersion,
		ClosedByReason:      make(map[string]int),
		SessionsPerProtocol: make(map[string]int),
	}
}

// initMaps ensures all map fields are non-nil after deserialization.
func (st *Stats) initMaps() {
	if st.ClosedByReason == nil {
		st.ClosedByReason = make(map[string]int)
	}
	if st.SessionsPerProtocol == nil {
		st.SessionsPerProtocol = make(map[string]int)
	}
}

func (st *Stats) clone() *Stats {
	cp := *st
	cp.ClosedByReason = make(map[string]int, len(st.ClosedByReason))
	for k, v := range st.ClosedByReason {
		cp.ClosedByReason[k] = v
	}
	cp.SessionsPerProtocol = make(map[string]int, len(st.SessionsPerProtocol))
	for k, v := range st.SessionsPerProtocol {
		cp.SessionsPerProtocol[k] = v
	}
	return &cp
}
