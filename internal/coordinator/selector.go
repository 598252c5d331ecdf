package coordinator

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// SetActiveCount selects the workers taking part in processing and returns
// the resulting parallelism, counted in leaf workers.
//
// Candidates are the valid, non-bad workers not running the ignored image,
// taken in performance order or at random. Every worker that is not bad first
// becomes Inactive, so one that is no candidate stays out of processing. A
// leaf counts for one. A sub-coordinator is asked how many of its own workers
// to use, which is what it counts for; one that does not answer is marked
// bad. A negative n selects everything.
func (c *Coordinator) SetActiveCount(ctx context.Context, n int, random bool) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}

	var candidates []*cluster.Worker
	for _, w := range c.reg.All() {
		if w.Status == cluster.StatusBad {
			continue
		}
		c.reg.Classify(w, cluster.StatusInactive)
		if w.Valid() && w.Image != cluster.ImageIgnore {
			candidates = append(candidates, w)
		}
	}

	limit, want := n, n
	if n < 0 {
		limit, want = math.MaxInt32, math.MaxInt32
	}
	if limit > len(candidates) && n >= 0 {
		limit = len(candidates)
	}

	var errs []error
	cnt := 0
	for cnt < limit && len(candidates) > 0 {
		i := 0
		if random {
			i = c.rng.Intn(len(candidates))
		}
		w := candidates[i]
		candidates = slices.Delete(candidates, i, i+1)

		if !w.IsSubCoordinator() {
			w.Parallel = 1
			c.reg.Classify(w, cluster.StatusActive)
			cnt++
			continue
		}
		got, err := c.askSubCoordinator(ctx, w, want-cnt, random)
		if err != nil {
			errs = append(errs, err)
		}
		cnt += got
	}

	if err := c.AskStatistics(ctx); err != nil {
		errs = append(errs, err)
	}
	c.reg.RecomputeUnique(c.cfg.Image)
	if !c.attached {
		c.SendGroupView()
	}
	c.log.Info("active workers selected",
		zap.Int("requested", n), zap.Int("active", c.reg.Count(SetActive)), zap.Int("parallel", c.parallel()))
	return c.parallel(), errors.Join(errs...)
}

// askSubCoordinator asks w to activate up to n of its workers and returns how
// many it did.
func (c *Coordinator) askSubCoordinator(ctx context.Context, w *cluster.Worker, n int, random bool) (int, error) {
	req := wire.New(wire.KindParallel)
	if c.attached {
		req.PutInt32(-1).PutBool(false)
	} else {
		req.PutInt32(int32(n)).PutBool(random)
	}
	if err := w.Conn.Send(req); err != nil {
		c.MarkBad(w, "could not send parallel request")
		return 0, nil
	}
	w.Parallel = -1
	_, err := c.CollectWorker(ctx, w, CollectOptions{EndKind: wire.KindGetParallel, Timeout: c.cfg.CollectTimeout})
	if !w.Valid() || w.Parallel < 0 {
		w.Parallel = 0
		c.MarkBad(w, "no answer to parallel request")
		if errors.Is(err, ErrCollectTimeout) || errors.Is(err, ErrSessionLost) {
			// Handled by marking it bad.
			err = nil
		}
		return 0, err
	}
	if w.Parallel <= 0 {
		return 0, err
	}
	c.reg.Classify(w, cluster.StatusActive)
	return w.Parallel, err
}
