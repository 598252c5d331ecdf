package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/monitor"
	"github.com/dreamware/pcoord/internal/wire"
)

// CollectOptions tune a collect.
type CollectOptions struct {
	// EndKind is the reply that completes a worker. A Done outcome for any
	// other kind is handed to the enclosing collect. KindUnknown accepts any.
	EndKind wire.Kind
	// Timeout bounds the time spent without any reply. Zero or negative
	// waits until every worker is done. Workers still pending when it runs
	// out are left in service and named in an ErrCollectTimeout.
	Timeout time.Duration
}

// Broadcast sends m to every worker in set s and returns how many it reached.
// Workers whose send fails are marked bad.
func (c *Coordinator) Broadcast(m *wire.Message, s Set) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	return c.BroadcastWorkers(m, c.reg.Workers(s)), nil
}

// BroadcastWorkers sends m to each valid worker in ws.
func (c *Coordinator) BroadcastWorkers(m *wire.Message, ws []*cluster.Worker) int {
	n := 0
	for _, w := range ws {
		if !w.Valid() {
			continue
		}
		if err := w.Conn.Send(m); err != nil {
			c.MarkBad(w, fmt.Sprintf("could not send %s: %v", m.Kind, err))
			continue
		}
		n++
	}
	return n
}

// CollectSet waits for replies from every valid worker of set s. It returns
// the number of messages handled.
func (c *Coordinator) CollectSet(ctx context.Context, s Set, opts CollectOptions) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	mon := c.reg.Monitor(s)
	if mon == nil {
		return c.CollectWorkers(ctx, c.reg.Workers(s), opts)
	}
	temp := false
	if c.inUse(mon) {
		// A nested collect over the same set must not disturb the outer
		// one's activation state.
		mon, temp = mon.Clone(), true
	}
	mon.ActivateAll()
	return c.collect(ctx, mon, temp, opts)
}

// CollectWorkers waits for replies from the listed workers.
func (c *Coordinator) CollectWorkers(ctx context.Context, ws []*cluster.Worker, opts CollectOptions) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	var mon *monitor.Monitor
	temp := c.inUse(c.reg.allMon)
	if temp {
		mon = monitor.New()
		for _, w := range ws {
			if w.Valid() {
				mon.Add(w.Conn)
			}
		}
	} else {
		mon = c.reg.allMon
		mon.DeactivateAll()
		for _, w := range ws {
			if w.Valid() {
				mon.Activate(w.Conn)
			}
		}
	}
	return c.collect(ctx, mon, temp, opts)
}

// CollectWorker waits for replies from one worker.
func (c *Coordinator) CollectWorker(ctx context.Context, w *cluster.Worker, opts CollectOptions) (int, error) {
	return c.CollectWorkers(ctx, []*cluster.Worker{w}, opts)
}

// CollectMonitor runs a collect over a caller-built monitor. Its active
// members are the workers waited for.
func (c *Coordinator) CollectMonitor(ctx context.Context, mon *monitor.Monitor, opts CollectOptions) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	return c.collect(ctx, mon, false, opts)
}

func (c *Coordinator) inUse(mon *monitor.Monitor) bool {
	for _, s := range c.sessions {
		if s.mon == mon {
			return true
		}
	}
	return false
}

func (c *Coordinator) currentSession() *session {
	if n := len(c.sessions); n > 0 {
		return c.sessions[n-1]
	}
	return nil
}

func (c *Coordinator) push(s *session) {
	c.sessions = append(c.sessions, s)
	c.intrMu.Lock()
	if len(c.sessions) == 1 {
		c.interrupted = false
	}
	c.curMon = s.mon
	c.intrMu.Unlock()
}

func (c *Coordinator) pop() {
	c.sessions = c.sessions[:len(c.sessions)-1]
	c.intrMu.Lock()
	c.curMon = nil
	if s := c.currentSession(); s != nil {
		c.curMon = s.mon
	}
	c.intrMu.Unlock()
}

func (c *Coordinator) isInterrupted() bool {
	c.intrMu.Lock()
	defer c.intrMu.Unlock()
	return c.interrupted
}

// Interrupt aborts every collect in progress. Safe for use from any
// goroutine.
func (c *Coordinator) Interrupt() {
	c.intrMu.Lock()
	c.interrupted = true
	mon := c.curMon
	c.intrMu.Unlock()
	if mon != nil {
		mon.Interrupt()
	}
}

// InterruptCurrent aborts only the innermost collect. Safe for use from any
// goroutine.
func (c *Coordinator) InterruptCurrent() {
	c.intrMu.Lock()
	mon := c.curMon
	c.intrMu.Unlock()
	if mon != nil {
		mon.Interrupt()
	}
}

func (c *Coordinator) collect(ctx context.Context, mon *monitor.Monitor, temp bool, opts CollectOptions) (int, error) {
	if temp {
		defer mon.Close()
	}
	var outer *monitor.Monitor
	if s := c.currentSession(); s != nil {
		outer = s.mon
	}
	s := &session{mon: mon, endKind: opts.EndKind}
	c.push(s)
	defer c.pop()
	mon.ClearInterrupt()

	budget := -1
	if opts.Timeout > 0 {
		budget = int((opts.Timeout + c.cfg.PollInterval - 1) / c.cfg.PollInterval)
	}
	lastSweep := time.Now()
	var errs []error

loop:
	for budget != 0 {
		if c.isInterrupted() {
			c.log.Info("collect interrupted", zap.Int("pending", mon.ActiveCount()))
			mon.DeactivateAll()
			break
		}
		cn, res := mon.Wait(ctx, c.cfg.PollInterval)
		switch res {
		case monitor.Idle:
			break loop
		case monitor.Interrupted:
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
			} else {
				c.log.Info("collect interrupted", zap.Int("pending", mon.ActiveCount()))
			}
			mon.DeactivateAll()
			break loop
		case monitor.TimedOut:
			if budget > 0 {
				budget--
			}
		case monitor.Ready:
			if err := c.collectFrom(ctx, cn, s, outer); err != nil {
				errs = append(errs, err)
			}
		}
		if time.Since(lastSweep) >= c.cfg.StaleSweepInterval {
			if err := c.sweepStale(ctx, mon); err != nil {
				errs = append(errs, err)
			}
			lastSweep = time.Now()
		}
	}

	if budget == 0 && mon.ActiveCount() > 0 {
		var pending []string
		for _, cn := range mon.Active() {
			name := cn.Name()
			if w := c.reg.ByConn(cn); w != nil {
				name = w.String()
			}
			pending = append(pending, name)
			c.log.Warn("collect timed out waiting for worker",
				zap.String("worker", name), zap.Duration("timeout", opts.Timeout))
		}
		mon.DeactivateAll()
		errs = append(errs, fmt.Errorf("%w after %s: no reply from %s",
			ErrCollectTimeout, opts.Timeout, strings.Join(pending, ", ")))
	}

	if c.groupView {
		c.SendGroupView()
	}
	return s.handled, errors.Join(errs...)
}

// collectFrom handles one ready connection of the collect s.
func (c *Coordinator) collectFrom(ctx context.Context, cn *conn.Conn, s *session, outer *monitor.Monitor) error {
	w := c.reg.ByConn(cn)
	m, err := cn.TryRecv()
	if m == nil && err == nil {
		return nil
	}
	if w == nil {
		c.log.Error("message from unknown connection", zap.Stringer("conn", cn))
		s.mon.Remove(cn)
		return nil
	}
	if err != nil {
		if errors.Is(err, conn.ErrClosed) {
			s.mon.Remove(cn)
			return nil
		}
		c.log.Warn("receive failed, reconnecting", zap.Stringer("worker", w), zap.Error(err))
		if rerr := cn.Reconnect(ctx); rerr != nil {
			c.MarkBad(w, fmt.Sprintf("problems receiving a message: %v", err))
			s.mon.Remove(cn)
			return nil
		}
		return c.sessionLost(w)
	}

	c.liveness.Observe(w)
	c.recordLatency(cn)

	out, herr := c.disp.Dispatch(ctx, w, m)
	s.handled++
	if out == Done && s.endKind != wire.KindUnknown && m.Kind != s.endKind {
		out = DoneForOuter
	}
	switch out {
	case Done:
		s.mon.Deactivate(cn)
	case DoneForOuter:
		if outer != nil {
			outer.Deactivate(cn)
		} else {
			s.mon.Deactivate(cn)
		}
	}
	return herr
}

// sweepStale pings members that have been silent too long and marks bad the
// ones that stayed silent through several pings.
func (c *Coordinator) sweepStale(ctx context.Context, mon *monitor.Monitor) error {
	if c.cfg.ActivityTimeout <= 0 {
		return nil
	}
	var errs []error
	for _, cn := range mon.Stale(c.cfg.ActivityTimeout) {
		w := c.reg.ByConn(cn)
		if w == nil {
			continue
		}
		if n := c.liveness.Pinged(w); n > c.liveness.MaxPings() {
			c.MarkBad(w, fmt.Sprintf("no activity after %d pings", n-1))
			continue
		}
		if err := cn.Send(wire.New(wire.KindPing)); err != nil {
			if rerr := cn.Reconnect(ctx); rerr != nil {
				c.MarkBad(w, fmt.Sprintf("could not ping: %v", err))
				continue
			}
			if lerr := c.sessionLost(w); lerr != nil {
				errs = append(errs, lerr)
			}
		}
	}
	return errors.Join(errs...)
}
