package coordinator

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/monitor"
)

// Set names one of the registry's worker sets.
type Set int

const (
	SetAll Set = iota
	SetActive
	SetInactive
	SetUnique
	SetAllUnique
	SetNonUnique
	SetBad
)

func (s Set) String() string {
	switch s {
	case SetAll:
		return "all"
	case SetActive:
		return "active"
	case SetInactive:
		return "inactive"
	case SetUnique:
		return "unique"
	case SetAllUnique:
		return "all-unique"
	case SetNonUnique:
		return "non-unique"
	case SetBad:
		return "bad"
	}
	return "set(" + strconv.Itoa(int(s)) + ")"
}

// workerSet is an ordered set of workers keyed by pointer.
type workerSet struct {
	list []*cluster.Worker
	in   map[*cluster.Worker]struct{}
}

func newWorkerSet() *workerSet {
	return &workerSet{in: make(map[*cluster.Worker]struct{})}
}

func (s *workerSet) has(w *cluster.Worker) bool {
	_, ok := s.in[w]
	return ok
}

func (s *workerSet) add(w *cluster.Worker) bool {
	if s.has(w) {
		return false
	}
	s.in[w] = struct{}{}
	s.list = append(s.list, w)
	return true
}

func (s *workerSet) insertAt(i int, w *cluster.Worker) {
	s.in[w] = struct{}{}
	s.list = slices.Insert(s.list, i, w)
}

func (s *workerSet) remove(w *cluster.Worker) bool {
	if !s.has(w) {
		return false
	}
	delete(s.in, w)
	if i := slices.Index(s.list, w); i >= 0 {
		s.list = slices.Delete(s.list, i, i+1)
	}
	return true
}

func (s *workerSet) replace(old, w *cluster.Worker) {
	i := slices.Index(s.list, old)
	if i < 0 {
		s.add(w)
		return
	}
	delete(s.in, old)
	s.in[w] = struct{}{}
	s.list[i] = w
}

func (s *workerSet) clear() {
	s.list = nil
	s.in = make(map[*cluster.Worker]struct{})
}

func (s *workerSet) items() []*cluster.Worker {
	return slices.Clone(s.list)
}

// Registry holds every worker the coordinator knows about and the derived
// sets used to address them.
//
// All is kept in descending PerfIndex order so that selection takes the
// fastest workers first. A worker is in exactly one of Active, Inactive or Bad
// once it has been classified; Unique and NonUnique are recomputed from Active
// and never hold a Bad worker.
//
// Each addressable set has a persistent socket monitor whose membership tracks
// the set. The registry is not safe for concurrent use; the coordinator drives
// it from its own goroutine.
type Registry struct {
	all       *workerSet
	active    *workerSet
	inactive  *workerSet
	bad       *workerSet
	unique    *workerSet
	nonUnique *workerSet

	byConn map[*conn.Conn]*cluster.Worker

	allMon       *monitor.Monitor
	activeMon    *monitor.Monitor
	uniqueMon    *monitor.Monitor
	allUniqueMon *monitor.Monitor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		all:          newWorkerSet(),
		active:       newWorkerSet(),
		inactive:     newWorkerSet(),
		bad:          newWorkerSet(),
		unique:       newWorkerSet(),
		nonUnique:    newWorkerSet(),
		byConn:       make(map[*conn.Conn]*cluster.Worker),
		allMon:       monitor.New(),
		activeMon:    monitor.New(),
		uniqueMon:    monitor.New(),
		allUniqueMon: monitor.New(),
	}
}

// Add inserts w into All at its performance rank. It stays unclassified until
// Classify is called. Adding a worker twice has no effect.
func (r *Registry) Add(w *cluster.Worker) {
	if r.all.has(w) {
		return
	}
	i := slices.IndexFunc(r.all.list, func(o *cluster.Worker) bool {
		if o.PerfIndex != w.PerfIndex {
			return o.PerfIndex < w.PerfIndex
		}
		return ordinalLess(w.Ordinal, o.Ordinal)
	})
	if i < 0 {
		i = len(r.all.list)
	}
	r.all.insertAt(i, w)
	if w.Conn != nil {
		r.byConn[w.Conn] = w
		if w.Status != cluster.StatusBad {
			r.allMon.Add(w.Conn)
		}
	}
}

// Classify moves w into the Active, Inactive or Bad set and keeps the socket
// monitors in step. It is idempotent. Unknown workers are ignored.
func (r *Registry) Classify(w *cluster.Worker, st cluster.Status) {
	if !r.all.has(w) {
		return
	}
	r.active.remove(w)
	r.inactive.remove(w)
	r.bad.remove(w)
	switch st {
	case cluster.StatusActive:
		r.active.add(w)
	case cluster.StatusInactive:
		r.inactive.add(w)
	case cluster.StatusBad:
		r.bad.add(w)
		r.unique.remove(w)
		r.nonUnique.remove(w)
	}
	w.Status = st

	if w.Conn == nil {
		return
	}
	if st == cluster.StatusActive {
		r.activeMon.Add(w.Conn)
	} else {
		r.activeMon.Remove(w.Conn)
	}
	if st == cluster.StatusBad {
		r.allMon.Remove(w.Conn)
		r.uniqueMon.Remove(w.Conn)
		r.allUniqueMon.Remove(w.Conn)
	} else if !r.allMon.Has(w.Conn) {
		r.allMon.Add(w.Conn)
	}
}

// Remove forgets w entirely.
func (r *Registry) Remove(w *cluster.Worker) {
	for _, s := range []*workerSet{r.all, r.active, r.inactive, r.bad, r.unique, r.nonUnique} {
		s.remove(w)
	}
	if w.Conn != nil {
		for _, m := range r.monitors() {
			m.Remove(w.Conn)
		}
		delete(r.byConn, w.Conn)
	}
}

// RecomputeUnique rebuilds Unique and NonUnique from Active.
//
// Workers running localImage share the coordinator's filesystem and are
// skipped; a sub-coordinator among them still needs its own fan-out and goes
// to NonUnique. Otherwise the first worker seen per image represents it, a
// sub-coordinator displaces a leaf representative, and a second
// sub-coordinator on the same image goes to NonUnique.
func (r *Registry) RecomputeUnique(localImage string) {
	r.unique.clear()
	r.nonUnique.clear()
	for _, w := range r.active.list {
		if localImage != "" && w.Image == localImage {
			if w.IsSubCoordinator() {
				r.nonUnique.add(w)
			}
			continue
		}
		i := slices.IndexFunc(r.unique.list, func(u *cluster.Worker) bool { return u.Image == w.Image })
		if i < 0 {
			r.unique.add(w)
			continue
		}
		if !w.IsSubCoordinator() {
			continue
		}
		if rep := r.unique.list[i]; rep.IsSubCoordinator() {
			r.nonUnique.add(w)
		} else {
			r.unique.replace(rep, w)
		}
	}
	syncMonitor(r.uniqueMon, r.unique.list)
	syncMonitor(r.allUniqueMon, r.AllUnique())
}

// syncMonitor makes m watch exactly the connections of ws. Existing members
// keep their activation state so an in-flight collect is not disturbed.
func syncMonitor(m *monitor.Monitor, ws []*cluster.Worker) {
	want := make(map[*conn.Conn]struct{}, len(ws))
	for _, w := range ws {
		if w.Conn != nil {
			want[w.Conn] = struct{}{}
		}
	}
	for _, c := range m.Conns() {
		if _, ok := want[c]; !ok {
			m.Remove(c)
		}
	}
	for c := range want {
		if !m.Has(c) {
			m.Add(c)
		}
	}
}

// All returns every known worker in performance order.
func (r *Registry) All() []*cluster.Worker { return r.all.items() }

// Active returns the workers currently selected for processing.
func (r *Registry) Active() []*cluster.Worker { return r.active.items() }

// Inactive returns workers that are usable but not selected.
func (r *Registry) Inactive() []*cluster.Worker { return r.inactive.items() }

// Bad returns workers that failed and must not be used again.
func (r *Registry) Bad() []*cluster.Worker { return r.bad.items() }

// Unique returns one representative per distinct image.
func (r *Registry) Unique() []*cluster.Worker { return r.unique.items() }

// NonUnique returns sub-coordinators that share an image with a
// representative and still need fan-out requests of their own.
func (r *Registry) NonUnique() []*cluster.Worker { return r.nonUnique.items() }

// AllUnique is Unique followed by NonUnique.
func (r *Registry) AllUnique() []*cluster.Worker {
	out := r.unique.items()
	return append(out, r.nonUnique.list...)
}

// Workers returns the members of set s.
func (r *Registry) Workers(s Set) []*cluster.Worker {
	switch s {
	case SetAll:
		return r.All()
	case SetActive:
		return r.Active()
	case SetInactive:
		return r.Inactive()
	case SetUnique:
		return r.Unique()
	case SetAllUnique:
		return r.AllUnique()
	case SetNonUnique:
		return r.NonUnique()
	case SetBad:
		return r.Bad()
	}
	return nil
}

// Count is the size of set s.
func (r *Registry) Count(s Set) int {
	switch s {
	case SetAll:
		return len(r.all.list)
	case SetActive:
		return len(r.active.list)
	case SetInactive:
		return len(r.inactive.list)
	case SetUnique:
		return len(r.unique.list)
	case SetAllUnique:
		return len(r.unique.list) + len(r.nonUnique.list)
	case SetNonUnique:
		return len(r.nonUnique.list)
	case SetBad:
		return len(r.bad.list)
	}
	return 0
}

// Has reports whether w belongs to set s.
func (r *Registry) Has(s Set, w *cluster.Worker) bool {
	switch s {
	case SetAll:
		return r.all.has(w)
	case SetActive:
		return r.active.has(w)
	case SetInactive:
		return r.inactive.has(w)
	case SetUnique:
		return r.unique.has(w)
	case SetAllUnique:
		return r.unique.has(w) || r.nonUnique.has(w)
	case SetNonUnique:
		return r.nonUnique.has(w)
	case SetBad:
		return r.bad.has(w)
	}
	return false
}

// Monitor returns the persistent socket monitor tracking set s, or nil for
// sets that have none.
func (r *Registry) Monitor(s Set) *monitor.Monitor {
	switch s {
	case SetAll:
		return r.allMon
	case SetActive:
		return r.activeMon
	case SetUnique:
		return r.uniqueMon
	case SetAllUnique:
		return r.allUniqueMon
	}
	return nil
}

// ByConn maps a connection back to its worker.
func (r *Registry) ByConn(c *conn.Conn) *cluster.Worker { return r.byConn[c] }

// Find returns the worker with the given ordinal.
func (r *Registry) Find(ordinal string) *cluster.Worker {
	i := slices.IndexFunc(r.all.list, func(w *cluster.Worker) bool { return w.Ordinal == ordinal })
	if i < 0 {
		return nil
	}
	return r.all.list[i]
}

func (r *Registry) monitors() []*monitor.Monitor {
	return []*monitor.Monitor{r.allMon, r.activeMon, r.uniqueMon, r.allUniqueMon}
}

// Close releases the socket monitors.
func (r *Registry) Close() {
	for _, m := range r.monitors() {
		m.Close()
	}
}

// ordinalLess orders dotted ordinals numerically component by component, so
// "0.10" sorts after "0.9".
func ordinalLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}
