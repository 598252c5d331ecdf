package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/logging"
	"github.com/dreamware/pcoord/internal/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen, image, workDir, workers string
		perf                            int
		sub                             bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept coordinator connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra := map[string]string{}
			set := func(key, value string) {
				if value != "" {
					extra[key] = value
				}
			}
			set("worker.listen", listen)
			set("worker.image", image)
			set("worker.work_dir", workDir)
			set("coordinator.workers", workers)
			if perf > 0 {
				extra["worker.perf_index"] = strconv.Itoa(perf)
			}
			if sub {
				extra["worker.sub_coordinator"] = "true"
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
			ln, err := net.Listen("tcp", cfg.Worker.Listen)
			if err != nil {
				return err
			}
			return runWorker(ctx, cfg, ln, log, level)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address coordinators connect to")
	cmd.Flags().StringVar(&image, "image", "", "platform image announced to the coordinator")
	cmd.Flags().StringVar(&workDir, "workdir", "", "directory holding received files")
	cmd.Flags().IntVar(&perf, "perf", 0, "performance index announced to the coordinator")
	cmd.Flags().BoolVar(&sub, "sub", false, "act as a sub-coordinator over --workers")
	cmd.Flags().StringVarP(&workers, "workers", "w", "", "workers of a sub-coordinator, comma separated")
	return cmd
}

// runWorker serves coordinator sessions on ln until ctx is done.
func runWorker(ctx context.Context, cfg *config.Config, ln net.Listener, log *zap.Logger, level zap.AtomicLevel) error {
	ws, err := openWorkspace(cfg.Worker)
	if err != nil {
		_ = ln.Close()
		return err
	}
	opts := []worker.Option{
		worker.WithLogger(log),
		worker.WithLevel(level),
		worker.WithWorkspace(ws),
	}
	if cfg.Worker.SubCoordinator {
		opts = append(opts, worker.WithFanout(worker.SubCoordinator(cfg.Coordinator, log.Named("fanout"),
			coordinator.WithLevel(level))))
		log.Info("sub-coordinator mode", zap.Int("workers", len(cfg.Coordinator.Workers)))
	}
	a := worker.New(cfg.Worker, opts...)
	err = a.Serve(ctx, ln)
	info := ws.Info()
	log.Info("worker stopped", zap.Int("files", info.Files), zap.Strings("packages", info.Installed))
	return err
}
