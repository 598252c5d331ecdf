package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/duke-git/lancet/v2/fileutil"
	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// ReasonTerminate is the MarkBad reason for a worker shut down on purpose.
// Such a worker is dropped from every set instead of being kept as bad.
const ReasonTerminate = "+++ terminating +++"

// MarkBad takes a failed worker out of service for the rest of the session.
//
// Work the worker was holding goes back to the planner once, parked work
// requests are retried, the worker moves to Bad with its connection closed,
// and the membership snapshot is rewritten. It does nothing once the session
// is invalid or when the worker is already bad.
func (c *Coordinator) MarkBad(w *cluster.Worker, reason string) {
	if !c.valid || w == nil || !c.reg.Has(SetAll, w) {
		return
	}

	if reason == ReasonTerminate {
		c.detach(w)
		c.reg.Remove(w)
		c.liveness.Forget(w)
		if w.Conn != nil {
			_ = w.Conn.Close()
		}
		c.groupView = true
		c.log.Info("worker terminated", zap.Stringer("worker", w))
		return
	}
	if w.Status == cluster.StatusBad {
		return
	}

	if c.job != nil && w.Outstanding != nil {
		r := *w.Outstanding
		w.Outstanding = nil
		if err := c.job.planner.Reassign(w, r); err != nil {
			c.log.Error("could not reassign work of failed worker",
				zap.Stringer("worker", w), zap.Stringer("range", r), zap.Error(err))
		}
	}
	c.dropWaiting(w)

	c.detach(w)
	c.reg.Classify(w, cluster.StatusBad)
	c.reg.RecomputeUnique(c.cfg.Image)
	if w.Conn != nil {
		_ = w.Conn.Close()
	}
	c.groupView = true
	c.log.Warn("worker marked bad",
		zap.Stringer("worker", w), zap.String("workdir", w.WorkDir), zap.String("reason", reason))

	if err := c.saveWorkerInfo(); err != nil {
		c.log.Error("could not write worker snapshot", zap.Error(err))
	}

	if c.cfg.ClientMode && w.IsSubCoordinator() {
		c.log.Error("sub-coordinator lost, session no longer usable", zap.Stringer("worker", w))
		c.valid = false
	}

	if c.job != nil {
		c.drainWaiting()
	}
}

// detach removes w's connection from every collect in progress.
func (c *Coordinator) detach(w *cluster.Worker) {
	if w.Conn == nil {
		return
	}
	for _, s := range c.sessions {
		s.mon.Remove(w.Conn)
	}
	delete(c.measured, w.Conn)
	delete(c.acks, w)
	c.leaveJob(w)
}

// sessionLost handles a worker whose connection was re-established. Its new
// session knows nothing of earlier requests, so w leaves every collect in
// progress. A running job takes back the range w held and w takes no further
// part in it. The error is nil only when the loss was absorbed by the job.
func (c *Coordinator) sessionLost(w *cluster.Worker) error {
	for _, s := range c.sessions {
		s.mon.Deactivate(w.Conn)
	}
	c.log.Warn("worker session lost", zap.Stringer("worker", w))
	if c.job == nil || !c.leaveJob(w) {
		return fmt.Errorf("%w: %s", ErrSessionLost, w)
	}
	c.dropWaiting(w)
	if w.Outstanding != nil {
		r := *w.Outstanding
		w.Outstanding = nil
		if err := c.job.planner.Reassign(w, r); err != nil {
			return fmt.Errorf("reassign %s from %s: %w", r, w, err)
		}
		c.log.Info("work of restarted worker given back",
			zap.Stringer("worker", w), zap.Stringer("range", r))
	}
	c.drainWaiting()
	return nil
}

// leaveJob drops w from the connections a running job stops, and reports
// whether it was there.
func (c *Coordinator) leaveJob(w *cluster.Worker) bool {
	c.intrMu.Lock()
	defer c.intrMu.Unlock()
	for i, cn := range c.jobConns {
		if cn == w.Conn {
			c.jobConns = append(c.jobConns[:i:i], c.jobConns[i+1:]...)
			return true
		}
	}
	return false
}

// TerminateWorker asks w to stop and forgets it.
func (c *Coordinator) TerminateWorker(ctx context.Context, w *cluster.Worker) {
	if w.Valid() {
		if err := w.Conn.Send(wire.New(wire.KindStop)); err != nil {
			c.log.Debug("stop request not delivered", zap.Stringer("worker", w), zap.Error(err))
		}
	}
	c.MarkBad(w, ReasonTerminate)
}

// RemoveWorkers terminates ws and clears the file cache, since the
// remaining workers' view of the cluster changed.
func (c *Coordinator) RemoveWorkers(ctx context.Context, ws ...*cluster.Worker) {
	for _, w := range ws {
		c.TerminateWorker(ctx, w)
	}
	c.ClearCache()
}

// saveWorkerInfo writes one line per known worker to the snapshot file:
// "user@host:port status ordinal workdir", with status 1 unless bad.
func (c *Coordinator) saveWorkerInfo() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}
	var b strings.Builder
	for _, w := range c.reg.all.list {
		status := 1
		if w.Status == cluster.StatusBad {
			status = 0
		}
		fmt.Fprintf(&b, "%s %d %s %s\n", w.Name(), status, w.Ordinal, w.WorkDir)
	}
	if err := fileutil.WriteStringToFile(c.cfg.SnapshotPath, b.String(), false); err != nil {
		return fmt.Errorf("write %s: %w", c.cfg.SnapshotPath, err)
	}
	return nil
}
