package cluster

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/pcoord/internal/conn"
)

// Role distinguishes leaf workers from workers that fan out further.
type Role int32

const (
	RoleWorker Role = iota
	RoleSubCoordinator
)

func (r Role) String() string {
	if r == RoleSubCoordinator {
		return "subcoordinator"
	}
	return "worker"
}

// Status is the registry classification of a worker.
type Status int

const (
	StatusUnclassified Status = iota
	StatusActive
	StatusInactive
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusBad:
		return "bad"
	}
	return "unclassified"
}

// ImageIgnore marks a worker that must never be selected.
const ImageIgnore = "IGNORE"

// Range is a half-open interval of work units [First, First+Count).
type Range struct {
	First int64
	Count int64
}

// End is one past the last unit.
func (r Range) End() int64 { return r.First + r.Count }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.First, r.End()) }

// Stats accumulates what a worker reported about its processing.
type Stats struct {
	BytesRead int64
	RealTime  float64
	CPUTime   float64
}

// Add folds another report into s.
func (s *Stats) Add(o Stats) {
	s.BytesRead += o.BytesRead
	s.RealTime += o.RealTime
	s.CPUTime += o.CPUTime
}

// Worker is the coordinator's handle on one remote process. The registry owns
// it; everything else holds the pointer.
type Worker struct {
	Ordinal   string
	Host      string
	Port      int
	User      string
	PerfIndex int
	Image     string
	Role      Role
	WorkDir   string

	Conn   *conn.Conn
	Status Status

	Stats      Stats
	Parallel   int
	ExitStatus int

	// Outstanding is the range the planner last handed to this worker and
	// which it has not yet acknowledged by asking for more.
	Outstanding *Range
}

// Name is user@host:port, the identity used in logs, cache keys and the
// membership snapshot.
func (w *Worker) Name() string {
	hp := w.Host + ":" + strconv.Itoa(w.Port)
	if w.User == "" {
		return hp
	}
	return w.User + "@" + hp
}

func (w *Worker) String() string { return w.Name() + "#" + w.Ordinal }

// Valid reports whether the worker has a usable connection.
func (w *Worker) Valid() bool { return w != nil && w.Conn.Valid() }

// IsSubCoordinator reports whether the worker fans out further.
func (w *Worker) IsSubCoordinator() bool { return w.Role == RoleSubCoordinator }

// Info returns the JSON view of the worker.
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		Ordinal:   w.Ordinal,
		Name:      w.Name(),
		Image:     w.Image,
		Role:      w.Role.String(),
		Status:    w.Status.String(),
		PerfIndex: w.PerfIndex,
		Parallel:  w.Parallel,
		WorkDir:   w.WorkDir,
		BytesRead: w.Stats.BytesRead,
		RealTime:  w.Stats.RealTime,
		CPUTime:   w.Stats.CPUTime,
	}
}

// ErrNoUnitYet is returned by a planner when nothing can be handed out right
// now but work is still outstanding elsewhere and may come back.
var ErrNoUnitYet = errors.New("no work unit available yet")
