package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/workspace"
)

// Fanout is what a sub-coordinator drives its own workers with.
// *coordinator.Coordinator implements it.
type Fanout interface {
	SetActiveCount(ctx context.Context, n int, random bool) (int, error)
	AskParallel(ctx context.Context) (int, error)
	AskStatistics(ctx context.Context) error
	Totals() cluster.Stats
	ModifyWorkerLists(ctx context.Context, ordinal string, add bool) error
	SetLogLevel(level string) error
	SendFile(ctx context.Context, file string, flags coordinator.SendFlags, dest string) (int, error)
	UploadPackage(ctx context.Context, name string) (int, error)
	BuildPackage(ctx context.Context, name string) error
	EnablePackage(ctx context.Context, name string) error
	ClearRemoteCache(ctx context.Context) error
	RunJob(ctx context.Context, job coordinator.Job) (coordinator.JobResult, error)
	StopProcess(abort bool) int
	Close(ctx context.Context) error
}

// FanoutFactory builds the fan-out of one session. up is the connection to
// the session's coordinator, fetch asks it for objects and pm serves the
// packages this worker received.
type FanoutFactory func(ctx context.Context, h cluster.Hello, up *conn.Conn, fetch coordinator.FetchFunc, pm coordinator.PackageManager) (Fanout, error)

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithLevel lets a LogLevel request change the agent's log level.
func WithLevel(level zap.AtomicLevel) Option {
	return func(a *Agent) { a.level = &level }
}

// WithWorkspace sets where received files are kept. The default is in
// memory.
func WithWorkspace(ws *workspace.Workspace) Option {
	return func(a *Agent) { a.ws = ws }
}

// WithProcessor sets the function that processes work ranges.
func WithProcessor(p Processor) Option {
	return func(a *Agent) { a.proc = p }
}

// WithFanout turns the agent into a sub-coordinator.
func WithFanout(f FanoutFactory) Option {
	return func(a *Agent) { a.fanout = f }
}

// Agent serves coordinator connections on behalf of one worker. Each
// accepted connection is an independent session.
type Agent struct {
	cfg    config.WorkerConfig
	log    *zap.Logger
	level  *zap.AtomicLevel
	ws     *workspace.Workspace
	proc   Processor
	fanout FanoutFactory

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New returns an agent that is not yet listening.
func New(cfg config.WorkerConfig, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		log:      zap.NewNop(),
		proc:     CountEntries,
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ws == nil {
		a.ws = workspace.New(nil)
	}
	return a
}

// Workspace exposes the files the agent received.
func (a *Agent) Workspace() *workspace.Workspace { return a.ws }

// Role is what the agent announces in the handshake.
func (a *Agent) Role() cluster.Role {
	if a.fanout != nil {
		return cluster.RoleSubCoordinator
	}
	return cluster.RoleWorker
}

// Addr is the listening address, nil before Serve.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Close is called.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts coordinator connections on ln.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	a.ln = ln
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	a.log.Info("worker listening", zap.Stringer("addr", ln.Addr()), zap.Stringer("role", a.Role()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			a.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serveConn(ctx, nc)
		}()
	}
}

// Close stops accepting and ends every session.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ln := a.ln
	sessions := make([]*session, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range sessions {
		_ = s.cn.Close()
	}
	return err
}

func (a *Agent) track(s *session, on bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		if a.closed {
			return false
		}
		a.sessions[s] = struct{}{}
		return true
	}
	delete(a.sessions, s)
	return true
}

// hello is the agent's half of the handshake.
func (a *Agent) hello(req cluster.Hello, port int) cluster.Hello {
	return cluster.Hello{
		Version:   req.Version,
		Ordinal:   req.Ordinal,
		Session:   req.Session,
		Host:      a.cfg.Host,
		Port:      int32(port),
		User:      a.cfg.User,
		PerfIndex: int32(a.cfg.PerfIndex),
		Image:     a.cfg.Image,
		Role:      a.Role(),
		WorkDir:   a.cfg.WorkDir,
	}
}
