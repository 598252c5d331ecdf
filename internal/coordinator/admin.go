package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/logging"
	"github.com/dreamware/pcoord/internal/wire"
)

// ErrWorkerNotFound is returned for an ordinal no worker or sub-coordinator
// knows.
var ErrWorkerNotFound = errors.New("worker not found")

// pingTimeout bounds a ping round even when collects normally wait forever.
func (c *Coordinator) pingTimeout() CollectOptions {
	t := c.cfg.CollectTimeout
	if t <= 0 {
		t = 10 * c.cfg.PollInterval
	}
	return CollectOptions{EndKind: wire.KindPing, Timeout: t}
}

// Ping checks that the active workers answer and returns how many did.
func (c *Coordinator) Ping(ctx context.Context) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	if c.BroadcastWorkers(wire.New(wire.KindPing), c.reg.Active()) == 0 {
		return 0, nil
	}
	return c.CollectSet(ctx, SetActive, c.pingTimeout())
}

// AskStatistics refreshes every active worker's processing statistics and
// the session totals.
func (c *Coordinator) AskStatistics(ctx context.Context) error {
	if !c.valid {
		return ErrInvalidSession
	}
	c.totals = cluster.Stats{}
	if c.BroadcastWorkers(wire.New(wire.KindGetStats), c.reg.Active()) == 0 {
		return nil
	}
	_, err := c.CollectSet(ctx, SetActive, CollectOptions{EndKind: wire.KindGetStats, Timeout: c.cfg.CollectTimeout})
	return err
}

// AskParallel refreshes the parallelism reported by each active worker and
// returns the total.
func (c *Coordinator) AskParallel(ctx context.Context) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	if c.BroadcastWorkers(wire.New(wire.KindGetParallel), c.reg.Active()) == 0 {
		return 0, nil
	}
	_, err := c.CollectSet(ctx, SetActive, CollectOptions{EndKind: wire.KindGetParallel, Timeout: c.cfg.CollectTimeout})
	return c.parallel(), err
}

// SendGroupView tells each active worker its index among the active set and
// the set's size.
func (c *Coordinator) SendGroupView() {
	c.groupView = false
	active := c.reg.Active()
	for i, w := range active {
		if !w.Valid() {
			continue
		}
		m := wire.New(wire.KindGroupView).PutInt32(int32(i)).PutInt32(int32(len(active)))
		if err := w.Conn.Send(m); err != nil {
			c.MarkBad(w, fmt.Sprintf("could not send group view: %v", err))
		}
	}
}

// ActivateWorker moves the worker with the given ordinal, or every worker
// for "*", into the active set.
func (c *Coordinator) ActivateWorker(ctx context.Context, ordinal string) error {
	return c.ModifyWorkerLists(ctx, ordinal, true)
}

// DeactivateWorker moves the worker with the given ordinal, or every worker
// for "*", out of the active set.
func (c *Coordinator) DeactivateWorker(ctx context.Context, ordinal string) error {
	return c.ModifyWorkerLists(ctx, ordinal, false)
}

// ModifyWorkerLists activates or deactivates workers by ordinal. Ordinals
// below a sub-coordinator are forwarded to it. Bad workers cannot be
// activated again.
func (c *Coordinator) ModifyWorkerLists(ctx context.Context, ordinal string, add bool) error {
	if !c.valid {
		return ErrInvalidSession
	}
	if ordinal == "" {
		return errors.New("worker ordinal must not be empty")
	}
	everyone := ordinal == "*"

	found := false
	var errs []error
	var forward []*cluster.Worker
	for _, w := range c.reg.All() {
		if everyone || w.Ordinal == ordinal {
			found = true
			if err := c.moveWorker(w, add); err != nil {
				errs = append(errs, err)
			}
			if everyone && w.IsSubCoordinator() && w.Status == cluster.StatusActive {
				forward = append(forward, w)
			}
			continue
		}
		if w.IsSubCoordinator() && strings.HasPrefix(ordinal, w.Ordinal+".") && w.Valid() {
			forward = append(forward, w)
		}
	}

	if len(forward) > 0 {
		c.listFound = false
		msg := wire.New(wire.KindWorkerLists).PutString(ordinal).PutBool(add)
		if c.BroadcastWorkers(msg, forward) > 0 {
			if _, err := c.CollectWorkers(ctx, forward, CollectOptions{EndKind: wire.KindWorkerLists, Timeout: c.cfg.CollectTimeout}); err != nil {
				errs = append(errs, err)
			}
		}
		found = found || c.listFound
	}
	if !found {
		return fmt.Errorf("worker %s: %w", ordinal, ErrWorkerNotFound)
	}

	c.reg.RecomputeUnique(c.cfg.Image)
	if !c.attached {
		c.SendGroupView()
	}
	return errors.Join(errs...)
}

func (c *Coordinator) moveWorker(w *cluster.Worker, add bool) error {
	switch {
	case add && w.Status == cluster.StatusBad:
		return fmt.Errorf("worker %s is bad and cannot be activated", w)
	case add && w.Status != cluster.StatusActive:
		if !w.Valid() {
			return fmt.Errorf("worker %s has no usable connection", w)
		}
		if w.Parallel <= 0 {
			w.Parallel = 1
		}
		c.reg.Classify(w, cluster.StatusActive)
		c.log.Info("worker activated", zap.Stringer("worker", w))
	case !add && w.Status == cluster.StatusActive:
		c.reg.Classify(w, cluster.StatusInactive)
		c.log.Info("worker deactivated", zap.Stringer("worker", w))
	}
	return nil
}

// SetLogLevel changes the log level here and on every worker.
func (c *Coordinator) SetLogLevel(level string) error {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	if c.level != nil {
		c.level.SetLevel(lvl)
	}
	if !c.valid {
		return ErrInvalidSession
	}
	c.BroadcastWorkers(wire.New(wire.KindLogLevel).PutString(lvl.String()), c.reg.All())
	return nil
}
