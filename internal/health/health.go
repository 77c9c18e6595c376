package health

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the body of GET /health.
type Report struct {
	Status         string  `json:"status"`
	UptimeSec      float64 `json:"uptime_sec"`
	ActiveSessions int     `json:"active_sessions"`
	Subscribers    int     `json:"subscribers"`
	Storage        string  `json:"storage"`
	StorageError   string  `json:"storage_error,omitempty"`
	RSSBytes       uint64  `json:"rss_bytes,omitempty"`
	CPUPercent     float64 `json:"cpu_percent"`
	Goroutines     int     `json:"goroutines"`
}

// Counter is satisfied by the registry and the broadcaster.
type Counter func() int

// Reporter assembles health reports for the running process.
type Reporter struct {
	sessions    Counter
	subscribers Counter
	storage     string
	ping        func() error
	started     time.Time

	mu   sync.Mutex
	proc *process.Process
}

// NewReporter builds a reporter. ping may be nil for in-memory storage.
func NewReporter(storage string, sessions, subscribers Counter, ping func() error) *Reporter {
	r := &Reporter{
		sessions:    sessions,
		subscribers: subscribers,
		storage:     storage,
		ping:        ping,
		started:     time.Now(),
	}
	// Process stats are best effort; a platform gopsutil cannot inspect
	// still gets the registry figures.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

func (r *Reporter) Report() Report {
	rep := Report{
		Status:     StatusOK,
		UptimeSec:  time.Since(r.started).Seconds(),
		Storage:    r.storage,
		Goroutines: runtime.NumGoroutine(),
	}
	if r.sessions != nil {
		rep.ActiveSessions = r.sessions()
	}
	if r.subscribers != nil {
		rep.Subscribers = r.subscribers()
	}
	if r.ping != nil {
		if err := r.ping(); err != nil {
			rep.Status = StatusDegraded
			rep.StorageError = err.Error()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil {
			rep.RSSBytes = mem.RSS
		}
		if cpu, err := r.proc.CPUPercent(); err == nil {
			rep.CPUPercent = cpu
		}
	}
	return rep
}
