package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/logging"
	"github.com/dreamware/pcoord/internal/monitor"
	"github.com/dreamware/pcoord/internal/wire"
)

// ErrInvalidSession is returned by operations on a coordinator whose session
// has been torn down.
var ErrInvalidSession = errors.New("coordinator: session is not valid")

var (
	// ErrCollectTimeout reports a collect that ended with workers still
	// owing a reply.
	ErrCollectTimeout = errors.New("coordinator: collect timed out")
	// ErrSessionLost reports a worker whose connection had to be
	// re-established, losing the replies it owed.
	ErrSessionLost = errors.New("coordinator: worker session lost")
	// ErrJobIncomplete reports a job that ended with work left over.
	ErrJobIncomplete = errors.New("coordinator: job ended with work left")
	// ErrTransferFailed reports a file a worker did not confirm storing.
	ErrTransferFailed = errors.New("coordinator: file transfer failed")
)

// Planner hands out work ranges during a job. NextUnit returns
// cluster.ErrNoUnitYet when the caller should be parked until another worker
// gives work back, and a nil range once everything is done.
type Planner interface {
	NextUnit(w *cluster.Worker) (*cluster.Range, error)
	AccountProcessed(w *cluster.Worker, n int64)
	Reassign(w *cluster.Worker, r cluster.Range) error
}

// PackageManager resolves, builds and enables packages on the coordinator's
// side of an upload.
type PackageManager interface {
	Resolve(name string) (string, error)
	Build(name string) error
	Install(name string) error
}

// FetchFunc retrieves a named object from further up the tree.
type FetchFunc func(ctx context.Context, name string) ([]byte, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithLevel lets SetLogLevel change the local log level as well.
func WithLevel(level zap.AtomicLevel) Option {
	return func(c *Coordinator) { c.level = &level }
}

// WithPackages sets the package manager used by the package operations.
func WithPackages(pm PackageManager) Option {
	return func(c *Coordinator) { c.packages = pm }
}

// WithRand sets the source used for random worker selection.
func WithRand(r *rand.Rand) Option {
	return func(c *Coordinator) { c.rng = r }
}

// WithUpstream makes the coordinator an inner node. Worker notices are
// relayed to up instead of being logged, and unknown objects are fetched
// through fetch.
func WithUpstream(up *conn.Conn, fetch FetchFunc) Option {
	return func(c *Coordinator) {
		c.upstream = up
		c.fetch = fetch
	}
}

// WithSessionLog sends uploaded worker logs to w.
func WithSessionLog(w io.Writer) Option {
	return func(c *Coordinator) { c.sessionLog = w }
}

// WithAttach marks a coordinator that attached to a running session. It keeps
// the workers' current parallelism and sends no group views.
func WithAttach(attached bool) Option {
	return func(c *Coordinator) { c.attached = attached }
}

// session is one level of the nested collect stack.
type session struct {
	mon     *monitor.Monitor
	endKind wire.Kind
	handled int
}

// jobState is the bookkeeping of the job being run.
type jobState struct {
	name      string
	planner   Planner
	processed int64
}

type fileEntry struct {
	md5   string
	mtime time.Time
}

// Coordinator drives a set of workers from a single goroutine. Only
// Interrupt, InterruptCurrent and StopProcess may be called from other
// goroutines.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	log      *zap.Logger
	level    *zap.AtomicLevel
	session  string
	reg      *Registry
	disp     *Dispatcher
	packages PackageManager
	rng      *rand.Rand
	liveness *Liveness
	latency  *latencyRecorder

	valid       bool
	attached    bool
	nextOrdinal int

	sessions  []*session
	groupView bool
	status    int
	checkRC   int32
	listFound bool

	job     *jobState
	waiting []*cluster.Worker
	totals  cluster.Stats

	cache    map[string]fileEntry
	acks     map[*cluster.Worker]int32
	measured map[*conn.Conn]time.Time
	objects  map[string][]byte

	upstream   *conn.Conn
	fetch      FetchFunc
	sessionLog io.Writer
	ownLog     io.Closer

	// intrMu guards the fields touched from other goroutines.
	intrMu      sync.Mutex
	interrupted bool
	curMon      *monitor.Monitor
	jobConns    []*conn.Conn
	stopAsked   bool
}

// New returns a coordinator with no workers. Zero durations and limits in cfg
// fall back to the defaults.
func New(cfg config.CoordinatorConfig, opts ...Option) *Coordinator {
	def := config.DefaultConfig().Coordinator
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = def.StaleSweepInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.DialConcurrency <= 0 {
		cfg.DialConcurrency = def.DialConcurrency
	}
	if cfg.Ordinal == "" {
		cfg.Ordinal = "0"
	}

	c := &Coordinator{
		cfg:      cfg,
		log:      zap.NewNop(),
		session:  uuid.NewString(),
		reg:      NewRegistry(),
		liveness: NewLiveness(defaultMaxPings),
		latency:  newLatencyRecorder(),
		valid:    true,
		cache:    make(map[string]fileEntry),
		acks:     make(map[*cluster.Worker]int32),
		measured: make(map[*conn.Conn]time.Time),
		objects:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		c.rng = rand.New(rand.NewSource(seed))
	}
	if c.packages == nil && cfg.PackageDir != "" {
		c.packages = NewDirPackages(cfg.PackageDir)
	}
	if c.sessionLog == nil {
		if cfg.SessionLog != "" {
			f := logging.RotatingFile(cfg.SessionLog, logging.Config{MaxSize: 100, MaxBackups: 3})
			c.sessionLog, c.ownLog = f, f
		} else {
			c.sessionLog = io.Discard
		}
	}
	c.log = c.log.With(zap.String("session", c.session), zap.String("ordinal", cfg.Ordinal))
	c.disp = NewDispatcher(c.log)
	c.registerHandlers()
	return c
}

// Session is the identifier handed to workers during the handshake.
func (c *Coordinator) Session() string { return c.session }

// Valid reports whether the session is still usable.
func (c *Coordinator) Valid() bool { return c.valid }

// Registry exposes the worker sets.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Dispatcher exposes the message handlers so embedders can add their own.
func (c *Coordinator) Dispatcher() *Dispatcher { return c.disp }

// Status is the failure status of the last query, zero when it succeeded.
func (c *Coordinator) Status() int { return c.status }

// Totals are the processing statistics summed over the last AskStatistics.
func (c *Coordinator) Totals() cluster.Stats { return c.totals }

// SetObject publishes data under name for workers that ask for it.
func (c *Coordinator) SetObject(name string, data []byte) {
	c.objects[name] = data
}

// Workers returns the JSON view of every known worker, with its activity
// record when it was ever pinged or heard from during a collect.
func (c *Coordinator) Workers() []cluster.WorkerInfo {
	all := c.reg.All()
	out := make([]cluster.WorkerInfo, 0, len(all))
	for _, w := range all {
		info := w.Info()
		if l := c.liveness.Get(w.Ordinal); l != nil {
			info.Liveness = l.Status
			info.Unanswered = l.Unanswered
			info.LastActive = l.LastActive.Format(time.RFC3339Nano)
		}
		out = append(out, info)
	}
	return out
}

// unresponsive counts the tracked workers with unanswered pings.
func (c *Coordinator) unresponsive() int {
	n := 0
	for _, l := range c.liveness.All() {
		if l.Unanswered > 0 {
			n++
		}
	}
	return n
}

// Info summarizes the session for the admin API.
func (c *Coordinator) Info() cluster.StatusResponse {
	return cluster.StatusResponse{
		Session:  c.session,
		Valid:    c.valid,
		All:      c.reg.Count(SetAll),
		Active:   c.reg.Count(SetActive),
		Inactive: c.reg.Count(SetInactive),
		Unique:   c.reg.Count(SetUnique),
		Bad:      c.reg.Count(SetBad),
		Silent:   c.unresponsive(),
		Parallel: c.parallel(),
		Status:   c.status,
		Latency:  c.Latency(),
		Totals: cluster.WorkerInfo{
			Ordinal:   c.cfg.Ordinal,
			Image:     c.cfg.Image,
			BytesRead: c.totals.BytesRead,
			RealTime:  c.totals.RealTime,
			CPUTime:   c.totals.CPUTime,
		},
	}
}

// Close stops every worker and invalidates the session.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.valid {
		return nil
	}
	for _, w := range c.reg.All() {
		c.TerminateWorker(ctx, w)
	}
	c.valid = false
	c.reg.Close()
	c.log.Info("session closed")
	if c.ownLog != nil {
		if err := c.ownLog.Close(); err != nil {
			return fmt.Errorf("close session log: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) parallel() int {
	n := 0
	for _, w := range c.reg.active.list {
		n += w.Parallel
	}
	return n
}
