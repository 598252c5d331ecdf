package coordinator

import (
	"sync"
	"time"

	"github.com/dreamware/pcoord/internal/cluster"
)

// defaultMaxPings is how many unanswered pings a silent worker gets before
// it is marked bad.
const defaultMaxPings = 3

// States reported by WorkerLiveness.Status.
const (
	LivenessAlive        = "alive"
	LivenessPinged       = "pinged"
	LivenessUnresponsive = "unresponsive"
)

// WorkerLiveness is the activity record of a single worker.
// Thread-safe: Protected by Liveness's mutex when accessed.
type WorkerLiveness struct {
	LastActive time.Time // Timestamp of the last message received
	Ordinal    string    // Worker ordinal
	Status     string    // "alive", "pinged" or "unresponsive"
	Unanswered int       // Pings sent since the last message received
}

// Liveness counts unanswered activity pings per worker. The collect loop
// calls Pinged when it pings a silent worker and Observe for every message it
// receives; a worker whose count passes MaxPings is marked bad. The records
// are reported by Coordinator.Workers and Coordinator.Info.
//
// Thread-safe: All methods are safe for concurrent access, so the admin API
// can read it while a collect is running.
type Liveness struct {
	workers  map[string]*WorkerLiveness
	mu       sync.RWMutex
	maxPings int
}

// NewLiveness creates a tracker that tolerates maxPings unanswered pings.
//
// Example:
//
//	l := NewLiveness(3)
//	if l.Pinged(w) > l.MaxPings() {
//	    coord.MarkBad(w, "no activity")
//	}
func NewLiveness(maxPings int) *Liveness {
	if maxPings <= 0 {
		maxPings = defaultMaxPings
	}
	return &Liveness{
		maxPings: maxPings,
		workers:  make(map[string]*WorkerLiveness),
	}
}

// MaxPings is the number of unanswered pings tolerated.
func (l *Liveness) MaxPings() int { return l.maxPings }

func (l *Liveness) entry(w *cluster.Worker) *WorkerLiveness {
	e, ok := l.workers[w.Ordinal]
	if !ok {
		e = &WorkerLiveness{Ordinal: w.Ordinal, Status: LivenessAlive, LastActive: time.Now()}
		l.workers[w.Ordinal] = e
	}
	return e
}

// Observe records that a message arrived from w, which answers any pending
// ping.
func (l *Liveness) Observe(w *cluster.Worker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(w)
	e.LastActive = time.Now()
	e.Unanswered = 0
	e.Status = LivenessAlive
}

// Pinged records a ping sent to a silent worker and returns the number of
// pings now unanswered, this one included.
func (l *Liveness) Pinged(w *cluster.Worker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(w)
	e.Unanswered++
	if e.Unanswered > l.maxPings {
		e.Status = LivenessUnresponsive
	} else {
		e.Status = LivenessPinged
	}
	return e.Unanswered
}

// Forget stops tracking a worker.
func (l *Liveness) Forget(w *cluster.Worker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workers, w.Ordinal)
}

// Get returns a copy of the record for ordinal, or nil if none exists.
func (l *Liveness) Get(ordinal string) *WorkerLiveness {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.workers[ordinal]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// All returns copies of every record keyed by ordinal.
func (l *Liveness) All() map[string]*WorkerLiveness {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*WorkerLiveness, len(l.workers))
	for ord, e := range l.workers {
		cp := *e
		out[ord] = &cp
	}
	return out
}
