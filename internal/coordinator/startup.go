package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/wire"
)

// StartWorkers connects to eps and selects the configured number of active
// workers. It returns the resulting parallelism. Workers that cannot be
// reached are kept as bad.
func (c *Coordinator) StartWorkers(ctx context.Context, eps []cluster.Endpoint) (int, error) {
	_, addErr := c.AddWorkers(ctx, eps)
	n, err := c.SetActiveCount(ctx, c.cfg.Parallel, c.cfg.Random)
	return n, errors.Join(addErr, err)
}

// AddWorkers dials and handshakes eps concurrently and registers the results
// as unclassified workers. Failed endpoints are registered as bad.
func (c *Coordinator) AddWorkers(ctx context.Context, eps []cluster.Endpoint) ([]*cluster.Worker, error) {
	if !c.valid {
		return nil, ErrInvalidSession
	}
	workers := make([]*cluster.Worker, len(eps))
	errs := make([]error, len(eps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DialConcurrency)
	for i, ep := range eps {
		i, ep := i, ep
		ordinal := fmt.Sprintf("%s.%d", c.cfg.Ordinal, c.nextOrdinal+i)
		g.Go(func() error {
			workers[i], errs[i] = c.connect(gctx, ep, ordinal)
			return nil
		})
	}
	_ = g.Wait()
	c.nextOrdinal += len(eps)

	var added []*cluster.Worker
	for i, w := range workers {
		if errs[i] != nil {
			c.log.Warn("worker could not be started",
				zap.String("endpoint", eps[i].Addr()), zap.Error(errs[i]))
			w.Status = cluster.StatusBad
			c.reg.Add(w)
			c.reg.Classify(w, cluster.StatusBad)
			continue
		}
		c.reg.Add(w)
		added = append(added, w)
		c.log.Info("worker started", zap.Stringer("worker", w),
			zap.String("image", w.Image), zap.Stringer("role", w.Role), zap.Int("perf", w.PerfIndex))
	}
	if err := c.saveWorkerInfo(); err != nil {
		c.log.Error("could not write worker snapshot", zap.Error(err))
	}
	return added, errors.Join(errs...)
}

// connect always returns a worker describing ep, with a live connection only
// when the error is nil.
func (c *Coordinator) connect(ctx context.Context, ep cluster.Endpoint, ordinal string) (*cluster.Worker, error) {
	w := &cluster.Worker{
		Ordinal:   ordinal,
		Host:      ep.Host,
		Port:      ep.Port,
		User:      ep.User,
		PerfIndex: ep.Perf,
		Image:     ep.Image,
		Parallel:  1,
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	cn, err := conn.Dial(hctx, ep.Addr(),
		conn.WithLogger(c.log),
		conn.WithReconnectHook(func(ctx context.Context, cn *conn.Conn) error {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
			defer cancel()
			_, err := c.handshake(rctx, cn, ordinal)
			return err
		}))
	if err != nil {
		return w, err
	}
	h, err := c.handshake(hctx, cn, ordinal)
	if err != nil {
		_ = cn.Close()
		return w, err
	}

	w.Conn = cn
	w.Role = h.Role
	w.WorkDir = h.WorkDir
	if w.User == "" {
		w.User = h.User
	}
	if w.PerfIndex <= 0 {
		w.PerfIndex = int(h.PerfIndex)
	}
	if w.Image == "" {
		w.Image = h.Image
	}
	if w.Image == "" {
		w.Image = w.Host
	}
	return w, nil
}

// handshake sends our Hello on cn and reads the worker's.
func (c *Coordinator) handshake(ctx context.Context, cn *conn.Conn, ordinal string) (cluster.Hello, error) {
	hello := cluster.Hello{Version: wire.ProtocolVersion, Ordinal: ordinal, Session: c.session}
	if err := cn.Send(hello.Message()); err != nil {
		return cluster.Hello{}, err
	}
	m, err := cn.Recv(ctx)
	if err != nil {
		return cluster.Hello{}, fmt.Errorf("handshake with %s: %w", cn, err)
	}
	if m.Kind == wire.KindFatal {
		return cluster.Hello{}, fmt.Errorf("handshake with %s: refused: %s", cn, m.ReadString())
	}
	return cluster.DecodeHello(m)
}
