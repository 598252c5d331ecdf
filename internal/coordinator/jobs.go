package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/wire"
)

// Job describes one processing run over a dataset.
type Job struct {
	Name    string
	Total   int64
	Planner Planner
}

// JobResult summarizes a finished run.
type JobResult struct {
	Processed int64
	Workers   int
	Status    int
	Stats     cluster.Stats
}

// RunJob starts job on the active workers and serves their work requests
// until every one of them has reported LogDone. Workers that fail meanwhile
// have their unfinished ranges handed to the others. A job that ends with
// ranges left over, other than after StopProcess, returns ErrJobIncomplete.
func (c *Coordinator) RunJob(ctx context.Context, job Job) (JobResult, error) {
	if !c.valid {
		return JobResult{}, ErrInvalidSession
	}
	if job.Planner == nil {
		return JobResult{}, errors.New("job has no planner")
	}
	if c.job != nil {
		return JobResult{}, fmt.Errorf("job %q is already running", c.job.name)
	}

	active := c.reg.Active()
	conns := make([]*conn.Conn, 0, len(active))
	for _, w := range active {
		w.Outstanding = nil
		w.ExitStatus = 0
		if w.Valid() {
			conns = append(conns, w.Conn)
		}
	}
	c.job = &jobState{name: job.Name, planner: job.Planner}
	c.waiting = nil
	c.status = 0
	c.intrMu.Lock()
	c.jobConns = conns
	c.stopAsked = false
	c.intrMu.Unlock()
	defer func() {
		c.job = nil
		c.waiting = nil
		c.intrMu.Lock()
		c.jobConns = nil
		c.intrMu.Unlock()
	}()

	msg := wire.New(wire.KindProcess).PutString(job.Name).PutInt64(job.Total)
	n := c.BroadcastWorkers(msg, active)
	if n == 0 {
		return JobResult{}, errors.New("no active workers to run the job")
	}
	c.log.Info("job started", zap.String("job", job.Name), zap.Int64("total", job.Total), zap.Int("workers", n))

	_, err := c.CollectSet(ctx, SetActive, CollectOptions{EndKind: wire.KindLogDone, Timeout: c.cfg.CollectTimeout})
	c.intrMu.Lock()
	stopped := c.stopAsked
	c.intrMu.Unlock()
	if !stopped {
		if lerr := c.workLeft(job.Planner, active); lerr != nil {
			c.log.Warn("job incomplete", zap.String("job", job.Name), zap.Error(lerr))
			err = errors.Join(err, lerr)
		}
	}
	if serr := c.AskStatistics(ctx); serr != nil {
		err = errors.Join(err, serr)
	}

	res := JobResult{
		Processed: c.job.processed,
		Workers:   n,
		Status:    c.status,
		Stats:     c.totals,
	}
	c.log.Info("job finished", zap.String("job", job.Name),
		zap.Int64("processed", res.Processed), zap.Int("status", res.Status))
	return res, err
}

// workLeft reports work the job did not get through: ranges the planner has
// not seen finished, a range a worker still held, or a parked request.
func (c *Coordinator) workLeft(p Planner, ws []*cluster.Worker) error {
	if d, ok := p.(interface{ Done() bool }); ok && !d.Done() {
		return fmt.Errorf("%w: planner has ranges left", ErrJobIncomplete)
	}
	for _, w := range ws {
		if w.Outstanding != nil {
			return fmt.Errorf("%w: %s still holds %s", ErrJobIncomplete, w, *w.Outstanding)
		}
	}
	if len(c.waiting) > 0 {
		return fmt.Errorf("%w: %d work requests unanswered", ErrJobIncomplete, len(c.waiting))
	}
	return nil
}

// StopProcess asks the workers of the running job to stop. With abort set
// their partial results are discarded. Safe for use from any goroutine; the
// job's collect receives the stop reports.
func (c *Coordinator) StopProcess(abort bool) int {
	c.intrMu.Lock()
	conns := c.jobConns
	if conns != nil {
		c.stopAsked = true
	}
	c.intrMu.Unlock()
	n := 0
	for _, cn := range conns {
		if err := cn.Send(wire.New(wire.KindStopProcess).PutBool(abort)); err == nil {
			n++
		}
	}
	return n
}
