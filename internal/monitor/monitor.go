// Package monitor multiplexes a set of connections. Members can be switched
// on and off without leaving the set, and Wait hands back one readable member
// at a time.
package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/pcoord/internal/conn"
)

// Result describes why Wait returned.
type Result int

const (
	Ready Result = iota
	TimedOut
	Interrupted
	Idle
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed out"
	case Interrupted:
		return "interrupted"
	case Idle:
		return "idle"
	}
	return "unknown"
}

type entry struct {
	c      *conn.Conn
	active bool
}

// Monitor watches connections for readiness. Each monitor has its own wake
// channel, so monitors over overlapping connection sets can be nested.
type Monitor struct {
	mu      sync.Mutex
	entries []*entry
	next    int
	wake    chan struct{}
	intr    chan struct{}
}

// New returns an empty monitor.
func New() *Monitor {
	return &Monitor{
		wake: make(chan struct{}, 1),
		intr: make(chan struct{}, 1),
	}
}

func (m *Monitor) find(c *conn.Conn) int {
	return slices.IndexFunc(m.entries, func(e *entry) bool { return e.c == c })
}

// Add inserts c as an active member. Adding a member twice re-activates it.
func (m *Monitor) Add(c *conn.Conn) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if i := m.find(c); i >= 0 {
		m.entries[i].active = true
		m.mu.Unlock()
		return
	}
	m.entries = append(m.entries, &entry{c: c, active: true})
	m.mu.Unlock()
	c.Watch(m.wake)
}

// Remove drops c from the set.
func (m *Monitor) Remove(c *conn.Conn) {
	m.mu.Lock()
	i := m.find(c)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	if m.next > i {
		m.next--
	}
	m.mu.Unlock()
	c.Unwatch(m.wake)
}

// Has reports membership regardless of activation.
func (m *Monitor) Has(c *conn.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(c) >= 0
}

func (m *Monitor) setActive(c *conn.Conn, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(c); i >= 0 {
		m.entries[i].active = on
	}
}

// Activate switches a member on. Non-members are ignored.
func (m *Monitor) Activate(c *conn.Conn) { m.setActive(c, true) }

// Deactivate switches a member off without removing it.
func (m *Monitor) Deactivate(c *conn.Conn) { m.setActive(c, false) }

func (m *Monitor) setAll(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.active = on
	}
}

func (m *Monitor) ActivateAll() { m.setAll(true) }

func (m *Monitor) DeactivateAll() { m.setAll(false) }

// IsActive reports whether c is an active member.
func (m *Monitor) IsActive(c *conn.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(c)
	return i >= 0 && m.entries[i].active
}

// Active lists the active members in insertion order.
func (m *Monitor) Active() []*conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*conn.Conn
	for _, e := range m.entries {
		if e.active {
			out = append(out, e.c)
		}
	}
	return out
}

// ActiveCount is the number of active members.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.active {
			n++
		}
	}
	return n
}

// Len is the number of members, active or not.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Conns lists every member.
func (m *Monitor) Conns() []*conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*conn.Conn, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.c
	}
	return out
}

// pick scans active members round-robin starting after the last one returned.
func (m *Monitor) pick() (*conn.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	anyActive := false
	for k := 0; k < n; k++ {
		i := (m.next + k) % n
		e := m.entries[i]
		if !e.active {
			continue
		}
		anyActive = true
		if e.c.Ready() {
			m.next = (i + 1) % n
			return e.c, true
		}
	}
	return nil, anyActive
}

// Wait blocks until an active member is readable or has failed, the timeout
// elapses, Interrupt is called or ctx ends. A negative timeout waits forever
// and a zero timeout polls once. With no active member it returns Idle.
func (m *Monitor) Wait(ctx context.Context, timeout time.Duration) (*conn.Conn, Result) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-m.intr:
			return nil, Interrupted
		default:
		}
		c, anyActive := m.pick()
		if c != nil {
			return c, Ready
		}
		if !anyActive {
			return nil, Idle
		}
		if timeout == 0 {
			return nil, TimedOut
		}
		select {
		case <-m.wake:
		case <-m.intr:
			return nil, Interrupted
		case <-timer:
			return nil, TimedOut
		case <-ctx.Done():
			return nil, Interrupted
		}
	}
}

// Interrupt makes the pending or next Wait return Interrupted. Safe for use
// from any goroutine.
func (m *Monitor) Interrupt() {
	select {
	case m.intr <- struct{}{}:
	default:
	}
}

// ClearInterrupt discards an Interrupt that no Wait has consumed.
func (m *Monitor) ClearInterrupt() {
	select {
	case <-m.intr:
	default:
	}
}

// Stale lists active members that have received nothing for longer than idle.
func (m *Monitor) Stale(idle time.Duration) []*conn.Conn {
	now := time.Now()
	var out []*conn.Conn
	for _, c := range m.Active() {
		if now.Sub(c.LastActivity()) > idle {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns an independent monitor with the same members and activation.
func (m *Monitor) Clone() *Monitor {
	m.mu.Lock()
	entries := make([]*entry, len(m.entries))
	for i, e := range m.entries {
		entries[i] = &entry{c: e.c, active: e.active}
	}
	m.mu.Unlock()

	out := New()
	out.entries = entries
	for _, e := range entries {
		e.c.Watch(out.wake)
	}
	return out
}

// Close detaches the monitor from all members. The connections stay open.
func (m *Monitor) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = nil
	m.next = 0
	m.mu.Unlock()
	for _, e := range entries {
		e.c.Unwatch(m.wake)
	}
}
