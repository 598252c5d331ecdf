package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// ErrWorkerStatus reports a worker that finished a request with a non-zero
// status.
var ErrWorkerStatus = errors.New("worker reported failure")

func (c *Coordinator) registerHandlers() {
	d := c.disp
	d.Register(wire.KindOK, c.handleOK)
	d.Register(wire.KindPing, c.handlePing)
	d.Register(wire.KindFatal, c.handleFatal)
	d.Register(wire.KindStop, c.handleStop)
	d.Register(wire.KindGetPacket, c.handleGetPacket)
	d.Register(wire.KindLogFile, c.handleLogFile)
	d.Register(wire.KindLogDone, c.handleLogDone)
	d.Register(wire.KindGetStats, c.handleGetStats)
	d.Register(wire.KindGetParallel, c.handleGetParallel)
	d.Register(wire.KindCheckFile, c.handleCheckFile)
	d.Register(wire.KindSendFile, c.handleSendFile)
	d.Register(wire.KindStopProcess, c.handleStopProcess)
	d.Register(wire.KindGetObject, c.handleGetObject)
	d.Register(wire.KindWorkerLists, c.handleWorkerLists)
	d.Register(wire.KindMessage, c.handleNotice)
	d.Register(wire.KindServerStarted, c.handleNotice)
	d.Register(wire.KindDataSetStatus, c.handleNotice)
	d.Register(wire.KindProgress, c.handleNotice)
}

func protocolErr(kind wire.Kind, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProtocol, kind, err)
}

func (c *Coordinator) handleOK(_ context.Context, _ *cluster.Worker, _ *wire.Message) (Outcome, error) {
	return Continue, nil
}

// handlePing ends a worker's part of a ping round and is otherwise just
// activity.
func (c *Coordinator) handlePing(_ context.Context, _ *cluster.Worker, _ *wire.Message) (Outcome, error) {
	if s := c.currentSession(); s != nil && s.endKind == wire.KindPing {
		return Done, nil
	}
	return Continue, nil
}

func (c *Coordinator) handleFatal(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	reason := "fatal error on worker"
	if m.Remaining() > 0 {
		if text := m.ReadString(); m.Err() == nil && text != "" {
			reason = text
		}
	}
	c.MarkBad(w, reason)
	return Done, nil
}

func (c *Coordinator) handleStop(_ context.Context, _ *cluster.Worker, _ *wire.Message) (Outcome, error) {
	return Done, nil
}

// handleGetPacket answers a work request. When the planner has nothing to
// give yet the worker is parked and answered as soon as work comes back.
func (c *Coordinator) handleGetPacket(_ context.Context, w *cluster.Worker, _ *wire.Message) (Outcome, error) {
	if c.job == nil {
		c.sendPacket(w, nil)
		return Continue, nil
	}
	err := c.answerPacket(w)
	c.drainWaiting()
	return Continue, err
}

// answerPacket asks the planner for w's next range and sends it, or parks w.
func (c *Coordinator) answerPacket(w *cluster.Worker) error {
	w.Outstanding = nil
	r, err := c.job.planner.NextUnit(w)
	if errors.Is(err, cluster.ErrNoUnitYet) {
		if !slices.Contains(c.waiting, w) {
			c.waiting = append(c.waiting, w)
		}
		c.log.Debug("work request parked", zap.Stringer("worker", w))
		return nil
	}
	if err != nil {
		c.sendPacket(w, nil)
		return fmt.Errorf("planner: next unit for %s: %w", w, err)
	}
	if c.sendPacket(w, r) && r != nil {
		cp := *r
		w.Outstanding = &cp
	}
	return nil
}

func (c *Coordinator) sendPacket(w *cluster.Worker, r *cluster.Range) bool {
	if err := w.Conn.Send(cluster.PacketMessage(r)); err != nil {
		c.MarkBad(w, fmt.Sprintf("could not send packet: %v", err))
		return false
	}
	return true
}

// drainWaiting retries every parked work request once.
func (c *Coordinator) drainWaiting() {
	if c.job == nil || len(c.waiting) == 0 {
		return
	}
	pending := c.waiting
	c.waiting = nil
	for _, w := range pending {
		if !w.Valid() || w.Status == cluster.StatusBad {
			continue
		}
		if err := c.answerPacket(w); err != nil {
			c.log.Error("parked work request failed", zap.Stringer("worker", w), zap.Error(err))
		}
	}
}

func (c *Coordinator) dropWaiting(w *cluster.Worker) {
	if i := slices.Index(c.waiting, w); i >= 0 {
		c.waiting = slices.Delete(c.waiting, i, i+1)
	}
}

// handleLogFile copies an uploaded worker log into the session log.
func (c *Coordinator) handleLogFile(ctx context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	size := m.ReadInt64()
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	if size <= 0 {
		return Continue, nil
	}
	if err := w.Conn.RecvRaw(ctx, size, c.sessionLog); err != nil {
		c.MarkBad(w, fmt.Sprintf("log upload failed: %v", err))
	}
	return Continue, nil
}

func (c *Coordinator) handleLogDone(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	status := m.ReadInt32()
	if m.Remaining() > 0 {
		if par := m.ReadInt32(); par > 0 {
			w.Parallel = int(par)
		}
	}
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	w.ExitStatus = int(status)
	if status != 0 {
		c.status = int(status)
		return Done, fmt.Errorf("%w: %s status %d", ErrWorkerStatus, w, status)
	}
	return Done, nil
}

func (c *Coordinator) handleGetStats(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	st := cluster.Stats{
		BytesRead: m.ReadInt64(),
		RealTime:  m.ReadFloat64(),
		CPUTime:   m.ReadFloat64(),
	}
	workdir := m.ReadString()
	image := ""
	if m.Remaining() > 0 {
		image = m.ReadString()
	}
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	w.Stats = st
	c.totals.Add(st)
	w.WorkDir = workdir
	if image != "" {
		w.Image = image
	}
	return Done, nil
}

func (c *Coordinator) handleGetParallel(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	par := m.ReadInt32()
	async := false
	if m.Remaining() > 0 {
		async = m.ReadBool()
	}
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	w.Parallel = int(par)
	if async {
		return Continue, nil
	}
	return Done, nil
}

// handleCheckFile stores the answer of the pending check. Late answers to a
// check that already gave up are dropped.
func (c *Coordinator) handleCheckFile(_ context.Context, _ *cluster.Worker, m *wire.Message) (Outcome, error) {
	if s := c.currentSession(); s == nil || s.endKind != wire.KindCheckFile {
		return Continue, nil
	}
	rc := m.ReadInt32()
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	c.checkRC = rc
	return Done, nil
}

// handleSendFile records the status a worker sent back for a transfer.
func (c *Coordinator) handleSendFile(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	status := m.ReadInt32()
	if err := m.Err(); err != nil {
		c.acks[w] = -1
		return Done, protocolErr(m.Kind, err)
	}
	c.acks[w] = status
	return Done, nil
}

// handleStopProcess accounts the work a stopped worker reports and gives back
// what it did not finish when it stopped on its own.
func (c *Coordinator) handleStopProcess(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	r, err := cluster.DecodeStopReport(m)
	if err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	if c.job == nil {
		return Continue, nil
	}
	if !r.Abort {
		c.job.planner.AccountProcessed(w, r.Processed)
		c.job.processed += r.Processed
	}
	if r.Involuntary && r.Remaining.Count > 0 {
		w.Outstanding = nil
		if err := c.job.planner.Reassign(w, r.Remaining); err != nil {
			return Continue, fmt.Errorf("reassign %s from %s: %w", r.Remaining, w, err)
		}
		c.log.Info("work given back by stopped worker",
			zap.Stringer("worker", w), zap.Stringer("range", r.Remaining))
		c.drainWaiting()
	}
	return Continue, nil
}

// handleGetObject serves a published object, asking upstream for unknown
// names when there is an upstream.
func (c *Coordinator) handleGetObject(ctx context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	name := m.ReadString()
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	data, ok := c.objects[name]
	if !ok && c.fetch != nil {
		var err error
		if data, err = c.fetch(ctx, name); err != nil {
			c.log.Warn("object fetch failed", zap.String("object", name), zap.Error(err))
		} else {
			ok = true
			c.objects[name] = data
		}
	}
	reply := wire.New(wire.KindGetObject).PutString(name).PutBool(ok)
	if ok {
		reply.PutBytes(data)
	}
	if err := w.Conn.Send(reply); err != nil {
		c.MarkBad(w, fmt.Sprintf("could not send object %q: %v", name, err))
	}
	return Continue, nil
}

func (c *Coordinator) handleWorkerLists(_ context.Context, _ *cluster.Worker, m *wire.Message) (Outcome, error) {
	found := m.ReadBool()
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	c.listFound = c.listFound || found
	return Done, nil
}

// handleNotice relays informational messages upstream, or logs them at the
// top of the tree.
func (c *Coordinator) handleNotice(_ context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	if c.upstream != nil {
		if err := c.upstream.Send(m.Copy()); err != nil {
			c.log.Warn("could not relay notice upstream", zap.Stringer("kind", m.Kind), zap.Error(err))
		}
		return Continue, nil
	}
	fields := []zap.Field{zap.Stringer("worker", w)}
	switch m.Kind {
	case wire.KindProgress:
		fields = append(fields, zap.Int64("total", m.ReadInt64()), zap.Int64("processed", m.ReadInt64()))
	case wire.KindServerStarted, wire.KindDataSetStatus:
		fields = append(fields, zap.String("text", m.ReadString()),
			zap.Int32("total", m.ReadInt32()), zap.Int32("done", m.ReadInt32()))
	default:
		fields = append(fields, zap.String("text", m.ReadString()))
	}
	if err := m.Err(); err != nil {
		return Continue, protocolErr(m.Kind, err)
	}
	c.log.Info(m.Kind.String(), fields...)
	return Continue, nil
}
