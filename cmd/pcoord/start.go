package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/logging"
)

// shutdownTimeout bounds the admin server drain and the worker goodbyes.
const shutdownTimeout = 5 * time.Second

func newStartCmd(opts *rootOptions) *cobra.Command {
	var workers, listen string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to the workers and serve the admin API",
		Example: `  pcoord start --workers node1:1093/100/linux,node2:1093/80/linux
  pcoord start -c cluster.yaml --set coordinator.parallel=4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra := map[string]string{}
			if workers != "" {
				extra["coordinator.workers"] = workers
			}
			if listen != "" {
				extra["coordinator.listen"] = listen
			}
			cfg, err := opts.load(extra)
			if err != nil {
				return err
			}
			log, level, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ln, err := net.Listen("tcp", cfg.Coordinator.Listen)
			if err != nil {
				return err
			}
			return runCoordinator(ctx, cfg, ln, log, level)
		},
	}
	cmd.Flags().StringVarP(&workers, "workers", "w", "", "workers as [user@]host:port[/perf[/image]], comma separated")
	cmd.Flags().StringVar(&listen, "listen", "", "admin API address")
	return cmd
}

// runCoordinator starts the configured workers and serves the admin API on
// ln until ctx is done.
func runCoordinator(ctx context.Context, cfg *config.Config, ln net.Listener, log *zap.Logger, level zap.AtomicLevel) error {
	cc := cfg.Coordinator
	c := coordinator.New(cc,
		coordinator.WithLogger(log),
		coordinator.WithLevel(level),
		coordinator.WithPackages(coordinator.NewDirPackages(cc.PackageDir)),
	)
	n, serr := c.StartWorkers(ctx, cc.Workers)
	if serr != nil {
		log.Warn("not every worker started", zap.Error(serr))
	}
	log.Info("coordinator ready", zap.String("session", c.Session()),
		zap.Int("workers", len(cc.Workers)), zap.Int("parallel", n))

	srv := newAdminServer(c, log)
	httpSrv := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("admin API listening", zap.Stringer("addr", ln.Addr()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("admin API failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// A running job holds the admin lock until its workers sign off.
	if n := c.StopProcess(true); n > 0 {
		log.Info("running job aborted", zap.Int("workers", n))
	}
	_ = httpSrv.Shutdown(sctx)
	if cerr := srv.close(sctx); cerr != nil {
		log.Warn("coordinator close", zap.Error(cerr))
	}
	log.Info("coordinator stopped")
	return err
}
