package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/wire"
)

// logChunk is the size of the raw frames a job log is uploaded in.
const logChunk = 32 << 10

// ErrStopped is returned by a Processor that gave up before finishing its
// range. The rest of the range goes back to the coordinator.
var ErrStopped = errors.New("worker: processing stopped")

// Result is what a Processor did with one range.
type Result struct {
	Units int64 // entries finished, from the start of the range
	Bytes int64 // bytes read
}

// Processor works through one range of a job.
type Processor func(ctx context.Context, job *Job, r cluster.Range) (Result, error)

// CountEntries is the default Processor. It touches nothing and counts each
// entry as one byte read.
func CountEntries(ctx context.Context, _ *Job, r cluster.Range) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Units: r.Count, Bytes: r.Count}, nil
}

// Job is the processing run a Processor is working for.
type Job struct {
	Name  string
	Total int64

	s *session
}

// Object asks the coordinator for a published object.
func (j *Job) Object(ctx context.Context, name string) ([]byte, bool, error) {
	return j.s.fetchObject(ctx, name)
}

// jobRun is the bookkeeping of the job a leaf is running.
type jobRun struct {
	job       *Job
	processed int64
	packets   int
	started   time.Time
	log       bytes.Buffer
}

func (s *session) handleProcess(ctx context.Context, m *wire.Message) error {
	name, total := m.ReadString(), m.ReadInt64()
	if err := m.Err(); err != nil {
		return err
	}
	s.stopping, s.stopAbort = false, false
	if s.fan != nil {
		return s.runFanoutJob(ctx, name, total)
	}
	s.job = &jobRun{job: &Job{Name: name, Total: total, s: s}, started: time.Now()}
	fmt.Fprintf(&s.job.log, "%s job %s started on %s, %d entries\n",
		s.job.started.Format(time.RFC3339), name, s.hello.Ordinal, total)
	s.log.Info("job started", zap.String("job", name), zap.Int64("total", total))
	return s.send(wire.New(wire.KindGetPacket))
}

// handlePacket processes a range and asks for the next one. An empty packet
// ends the job.
func (s *session) handlePacket(ctx context.Context, m *wire.Message) error {
	r, err := cluster.DecodePacket(m)
	if err != nil {
		return err
	}
	run := s.job
	if run == nil {
		if r != nil {
			s.log.Debug("packet after job end ignored", zap.Stringer("range", r))
		}
		return nil
	}
	if r == nil {
		return s.finishJob(cluster.StopReport{Processed: run.processed}, 0)
	}

	start := time.Now()
	res, perr := s.a.proc(ctx, run.job, *r)
	elapsed := time.Since(start).Seconds()
	res.Units = min(max(res.Units, 0), r.Count)
	run.processed += res.Units
	run.packets++
	s.stats.Add(cluster.Stats{BytesRead: res.Bytes, RealTime: elapsed, CPUTime: elapsed})
	fmt.Fprintf(&run.log, "packet %s: %d entries in %.3fs\n", r, res.Units, elapsed)

	if perr != nil {
		rest := cluster.Range{First: r.First + res.Units, Count: r.Count - res.Units}
		var status int32
		if !errors.Is(perr, ErrStopped) {
			status = 1
		}
		s.log.Warn("processing stopped", zap.Stringer("range", r), zap.Stringer("remaining", rest), zap.Error(perr))
		fmt.Fprintf(&run.log, "stopped: %v\n", perr)
		return s.finishJob(cluster.StopReport{Processed: run.processed, Involuntary: true, Remaining: rest}, status)
	}
	return s.send(wire.New(wire.KindGetPacket))
}

// handleStopProcess ends the running job at the coordinator's request.
func (s *session) handleStopProcess(_ context.Context, m *wire.Message) error {
	abort := m.ReadBool()
	if err := m.Err(); err != nil {
		return err
	}
	s.requestStop(abort)
	if s.job == nil {
		return nil
	}
	return s.finishJob(cluster.StopReport{Processed: s.job.processed, Abort: abort}, 0)
}

func (s *session) requestStop(abort bool) {
	s.stopping = true
	s.stopAbort = s.stopAbort || abort
	if s.fan != nil {
		s.fan.StopProcess(abort)
	}
}

// finishJob reports the job's work, uploads its log and signs off.
func (s *session) finishJob(r cluster.StopReport, status int32) error {
	run := s.job
	s.job = nil
	fmt.Fprintf(&run.log, "job %s done: %d entries in %d packets, %s\n",
		run.job.Name, run.processed, run.packets, time.Since(run.started).Round(time.Millisecond))
	s.log.Info("job finished", zap.String("job", run.job.Name),
		zap.Int64("processed", run.processed), zap.Bool("abort", r.Abort), zap.Bool("involuntary", r.Involuntary))

	if err := s.send(r.Message()); err != nil {
		return err
	}
	if err := s.uploadLog(run.log.Bytes()); err != nil {
		return err
	}
	return s.send(logDone(status))
}

func (s *session) uploadLog(p []byte) error {
	if err := s.send(wire.New(wire.KindLogFile).PutInt64(int64(len(p)))); err != nil {
		return err
	}
	for len(p) > 0 {
		n := min(len(p), logChunk)
		if err := s.cn.SendRaw(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// runFanoutJob runs a job on the sub-coordinator's own workers, drawing
// ranges from the session's coordinator.
func (s *session) runFanoutJob(ctx context.Context, name string, total int64) error {
	p := newUpstreamPlanner(ctx, s)
	res, err := s.fan.RunJob(ctx, coordinator.Job{Name: name, Total: total, Planner: p})
	status := int32(res.Status)
	if err != nil {
		s.log.Warn("fan-out job failed", zap.String("job", name), zap.Error(err))
		if status == 0 {
			status = 1
		}
	}
	if !s.cn.Valid() {
		return s.cn.Err()
	}
	if err := s.send(cluster.StopReport{Processed: res.Processed, Abort: s.stopAbort}.Message()); err != nil {
		return err
	}
	msg := logDone(status)
	if par, perr := s.fan.AskParallel(ctx); perr == nil && par > 0 {
		msg.PutInt32(int32(par))
	}
	return s.send(msg)
}

// fetchObject asks the coordinator for a published object.
func (s *session) fetchObject(ctx context.Context, name string) ([]byte, bool, error) {
	if err := s.send(wire.New(wire.KindGetObject).PutString(name)); err != nil {
		return nil, false, err
	}
	for {
		m, err := s.await(ctx, wire.KindGetObject)
		if err != nil {
			return nil, false, err
		}
		got, found := m.ReadString(), m.ReadBool()
		var data []byte
		if found {
			data = m.ReadBytes()
		}
		if err := m.Err(); err != nil {
			return nil, false, err
		}
		if got == name {
			return data, found, nil
		}
	}
}

// upstreamPlanner hands ranges obtained from the session's coordinator to
// the sub-coordinator's workers. Ranges given back by failed workers are
// served again before new ones are requested.
type upstreamPlanner struct {
	ctx context.Context
	s   *session

	queue     []cluster.Range
	held      map[*cluster.Worker]cluster.Range
	exhausted bool
	processed int64
}

var _ coordinator.Planner = (*upstreamPlanner)(nil)

func newUpstreamPlanner(ctx context.Context, s *session) *upstreamPlanner {
	return &upstreamPlanner{ctx: ctx, s: s, held: make(map[*cluster.Worker]cluster.Range)}
}

func (p *upstreamPlanner) NextUnit(w *cluster.Worker) (*cluster.Range, error) {
	delete(p.held, w)
	if p.s.stopping {
		return nil, nil
	}
	if len(p.queue) > 0 {
		r := p.queue[0]
		p.queue = p.queue[1:]
		p.held[w] = r
		return &r, nil
	}
	if !p.exhausted {
		r, err := p.request()
		if err != nil {
			return nil, err
		}
		if r != nil {
			p.held[w] = *r
			return r, nil
		}
		p.exhausted = true
	}
	if len(p.held) > 0 {
		return nil, cluster.ErrNoUnitYet
	}
	return nil, nil
}

func (p *upstreamPlanner) request() (*cluster.Range, error) {
	if err := p.s.send(wire.New(wire.KindGetPacket)); err != nil {
		return nil, err
	}
	m, err := p.s.await(p.ctx, wire.KindPacket)
	if err != nil {
		return nil, err
	}
	return cluster.DecodePacket(m)
}

func (p *upstreamPlanner) AccountProcessed(_ *cluster.Worker, n int64) {
	p.processed += n
}

func (p *upstreamPlanner) Reassign(w *cluster.Worker, r cluster.Range) error {
	delete(p.held, w)
	if r.Count <= 0 {
		return nil
	}
	p.queue = append(p.queue, r)
	return nil
}
