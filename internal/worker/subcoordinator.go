package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/coordinator"
)

var _ Fanout = (*coordinator.Coordinator)(nil)

// SubCoordinator returns a FanoutFactory that starts a coordinator over the
// workers listed in cfg for every session. The inner coordinator takes the
// ordinal the session's coordinator assigned, so its workers are numbered
// below it. No worker is active until the session's coordinator asks for a
// parallelism.
func SubCoordinator(cfg config.CoordinatorConfig, log *zap.Logger, opts ...coordinator.Option) FanoutFactory {
	return func(ctx context.Context, h cluster.Hello, up *conn.Conn, fetch coordinator.FetchFunc, pm coordinator.PackageManager) (Fanout, error) {
		if len(cfg.Workers) == 0 {
			return nil, errors.New("no workers configured")
		}
		cc := cfg
		cc.Ordinal = h.Ordinal
		all := append([]coordinator.Option{
			coordinator.WithLogger(log),
			coordinator.WithUpstream(up, fetch),
			coordinator.WithPackages(pm),
		}, opts...)
		c := coordinator.New(cc, all...)
		added, err := c.AddWorkers(ctx, cc.Workers)
		if len(added) == 0 {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("none of %d workers started: %w", len(cc.Workers), err)
		}
		if err != nil {
			log.Warn("some workers did not start", zap.Int("started", len(added)), zap.Error(err))
		}
		return c, nil
	}
}
