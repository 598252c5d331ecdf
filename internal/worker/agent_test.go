package worker

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/planner"
	"github.com/dreamware/pcoord/internal/storage"
	"github.com/dreamware/pcoord/internal/wire"
	"github.com/dreamware/pcoord/internal/workspace"
)

func workerConfig(image string) config.WorkerConfig {
	return config.WorkerConfig{
		Host:      "127.0.0.1",
		User:      "tester",
		PerfIndex: 100,
		Image:     image,
		WorkDir:   "/work",
	}
}

func coordinatorConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		Ordinal:      "0",
		Image:        "top",
		Parallel:     -1,
		Seed:         1,
		PollInterval: 20 * time.Millisecond,
	}
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// startAgent serves a on a loopback port for the duration of the test.
func startAgent(t *testing.T, cfg config.WorkerConfig, opts ...Option) (*Agent, cluster.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := New(cfg, append([]Option{WithLogger(testLogger(t))}, opts...)...)
	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		_ = a.Close()
		<-done
	})
	return a, cluster.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startCoordinator(t *testing.T, eps []cluster.Endpoint, opts ...coordinator.Option) *coordinator.Coordinator {
	t.Helper()
	c := coordinator.New(coordinatorConfig(), append([]coordinator.Option{coordinator.WithLogger(testLogger(t))}, opts...)...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	_, err := c.StartWorkers(testContext(t), eps)
	require.NoError(t, err)
	return c
}

// syncBuffer is a session log the test can read while the coordinator
// writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestAgentHandshake verifies the worker's half of the handshake and that
// it answers pings.
func TestAgentHandshake(t *testing.T) {
	cfg := workerConfig("img-a")
	cfg.PerfIndex = 42
	_, ep := startAgent(t, cfg)
	c := startCoordinator(t, []cluster.Endpoint{ep})

	ws := c.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, "0.0", ws[0].Ordinal)
	assert.Equal(t, "img-a", ws[0].Image)
	assert.Equal(t, 42, ws[0].PerfIndex)
	assert.Equal(t, "worker", ws[0].Role)
	assert.Equal(t, "active", ws[0].Status)
	assert.Equal(t, "/work", ws[0].WorkDir)

	n, err := c.Ping(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestAgentRefusesWrongVersion verifies that a handshake with another
// protocol version is answered with Fatal.
func TestAgentRefusesWrongVersion(t *testing.T) {
	_, ep := startAgent(t, workerConfig("img"))
	cn, err := conn.Dial(testContext(t), ep.Addr())
	require.NoError(t, err)
	defer cn.Close()

	require.NoError(t, cn.Send(cluster.Hello{Version: wire.ProtocolVersion + 1, Ordinal: "0.0"}.Message()))
	m, err := cn.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, wire.KindFatal, m.Kind)
	assert.Contains(t, m.ReadString(), "protocol version")
}

// TestAgentRunJob runs a job over two workers and checks the accounting, the
// statistics and the uploaded logs.
func TestAgentRunJob(t *testing.T) {
	a1, ep1 := startAgent(t, workerConfig("img-a"))
	_, ep2 := startAgent(t, workerConfig("img-b"))
	logs := &syncBuffer{}
	c := startCoordinator(t, []cluster.Endpoint{ep1, ep2}, coordinator.WithSessionLog(logs))

	p, err := planner.NewRangePlanner(100, 10)
	require.NoError(t, err)
	res, err := c.RunJob(testContext(t), coordinator.Job{Name: "scan", Total: 100, Planner: p})
	require.NoError(t, err)

	assert.Equal(t, int64(100), res.Processed)
	assert.Equal(t, 2, res.Workers)
	assert.True(t, p.Done())
	assert.Equal(t, int64(100), res.Stats.BytesRead)
	assert.Contains(t, logs.String(), "job scan done")
	assert.NotNil(t, a1.Workspace())
}

// TestAgentInvoluntaryStop verifies that a worker whose processor gives up
// hands the rest of its range back and stays in service.
func TestAgentInvoluntaryStop(t *testing.T) {
	var gaveUp atomic.Bool
	quitter := func(_ context.Context, _ *Job, r cluster.Range) (Result, error) {
		if gaveUp.CompareAndSwap(false, true) {
			return Result{Units: r.Count / 2, Bytes: r.Count / 2}, ErrStopped
		}
		return Result{Units: r.Count, Bytes: r.Count}, nil
	}
	_, ep1 := startAgent(t, workerConfig("img-a"), WithProcessor(quitter))
	_, ep2 := startAgent(t, workerConfig("img-b"))
	c := startCoordinator(t, []cluster.Endpoint{ep1, ep2})

	p, err := planner.NewRangePlanner(200, 20)
	require.NoError(t, err)
	res, err := c.RunJob(testContext(t), coordinator.Job{Name: "scan", Total: 200, Planner: p})
	require.NoError(t, err)

	assert.Equal(t, int64(200), res.Processed)
	assert.True(t, p.Done())
	assert.Equal(t, 1, p.Reassigned())
	assert.Zero(t, c.Registry().Count(coordinator.SetBad))
}

// TestAgentStopProcess stops a running job from another goroutine.
func TestAgentStopProcess(t *testing.T) {
	slow := func(ctx context.Context, _ *Job, r cluster.Range) (Result, error) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		return Result{Units: r.Count, Bytes: r.Count}, nil
	}
	_, ep := startAgent(t, workerConfig("img"), WithProcessor(slow))
	c := startCoordinator(t, []cluster.Endpoint{ep})

	go func() {
		time.Sleep(100 * time.Millisecond)
		c.StopProcess(false)
	}()
	p, err := planner.NewRangePlanner(100000, 10)
	require.NoError(t, err)
	res, err := c.RunJob(testContext(t), coordinator.Job{Name: "long", Total: 100000, Planner: p})
	require.NoError(t, err)

	assert.Positive(t, res.Processed)
	assert.Less(t, res.Processed, int64(100000))
	assert.Equal(t, 1, c.Registry().Count(coordinator.SetActive))
}

// TestAgentObject verifies that a processor can fetch objects published on
// the coordinator.
func TestAgentObject(t *testing.T) {
	var got atomic.Value
	reader := func(ctx context.Context, job *Job, r cluster.Range) (Result, error) {
		data, found, err := job.Object(ctx, "calibration")
		if err != nil {
			return Result{}, err
		}
		if found {
			got.Store(string(data))
		}
		return Result{Units: r.Count}, nil
	}
	_, ep := startAgent(t, workerConfig("img"), WithProcessor(reader))
	c := startCoordinator(t, []cluster.Endpoint{ep})
	c.SetObject("calibration", []byte("v42"))

	p, err := planner.NewRangePlanner(30, 10)
	require.NoError(t, err)
	_, err = c.RunJob(testContext(t), coordinator.Job{Name: "calib", Total: 30, Planner: p})
	require.NoError(t, err)
	assert.Equal(t, "v42", got.Load())
}

// TestAgentSendFile covers file distribution and the remote checksum check.
func TestAgentSendFile(t *testing.T) {
	a1, ep1 := startAgent(t, workerConfig("img-a"))
	a2, ep2 := startAgent(t, workerConfig("img-b"))
	c := startCoordinator(t, []cluster.Endpoint{ep1, ep2})

	file := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(file, []byte("payload"), 0o644))

	n, err := c.SendFile(testContext(t), file, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, a := range []*Agent{a1, a2} {
		data, err := a.Workspace().Get("sandbox/input.txt")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	}

	n, err = c.SendFile(testContext(t), file, 0, "")
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged file is not sent again")

	c.ClearCache()
	n, err = c.SendFile(testContext(t), file, 0, "")
	require.NoError(t, err)
	assert.Zero(t, n, "workers report the file as present")

	n, err = c.SendFile(testContext(t), file, coordinator.SendForce, coordinator.DestCache)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, a1.Workspace().Has("cache/input.txt", ""))
}

// fullStore refuses every write.
type fullStore struct {
	*storage.MemoryStore
}

func (fullStore) Put(string, []byte) error { return errors.New("no space left") }

// TestAgentSendFileStoreFails verifies that a worker that cannot store a file
// still answers, so the coordinator reports the failure instead of waiting.
func TestAgentSendFileStoreFails(t *testing.T) {
	_, ep := startAgent(t, workerConfig("img"), WithWorkspace(workspace.New(fullStore{storage.NewMemoryStore()})))
	c := startCoordinator(t, []cluster.Endpoint{ep})

	file := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(file, []byte("payload"), 0o644))

	n, err := c.SendFile(testContext(t), file, 0, "")
	require.ErrorIs(t, err, coordinator.ErrTransferFailed)
	assert.Zero(t, n)
	assert.Equal(t, cluster.StatusActive, c.Registry().All()[0].Status)

	n, err = c.Ping(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the session survives the failed transfer")
}

// TestAgentPackages uploads, builds and enables a package.
func TestAgentPackages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ana.par"), []byte("archive"), 0o644))
	a, ep := startAgent(t, workerConfig("img"))
	c := startCoordinator(t, []cluster.Endpoint{ep}, coordinator.WithPackages(coordinator.NewDirPackages(dir)))
	ctx := testContext(t)

	n, err := c.UploadPackage(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := a.Workspace().Installed("ana")
	assert.True(t, ok)

	n, err = c.UploadPackage(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reinstall without upload")

	require.NoError(t, c.BuildPackage(ctx, "ana"))
	require.NoError(t, c.EnablePackage(ctx, "ana"))
	assert.True(t, a.Workspace().Enabled("ana"))

	require.NoError(t, c.ClearRemoteCache(ctx))
}

// TestAgentLogLevel verifies that a LogLevel request reaches the agent.
func TestAgentLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	_, ep := startAgent(t, workerConfig("img"), WithLevel(level))
	c := startCoordinator(t, []cluster.Endpoint{ep})

	require.NoError(t, c.SetLogLevel("debug"))
	// Requests are handled in order, so the ping reply comes after the change.
	_, err := c.Ping(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, level.Level())
}

// TestSubCoordinator runs a two-level tree: a sub-coordinator with two
// workers below it.
func TestSubCoordinator(t *testing.T) {
	leaf1, ep1 := startAgent(t, workerConfig("leaf-img"))
	leaf2, ep2 := startAgent(t, workerConfig("leaf-img"))
	inner := coordinatorConfig()
	inner.Workers = []cluster.Endpoint{ep1, ep2}
	sub, subEP := startAgent(t, workerConfig("sub-img"), WithFanout(SubCoordinator(inner, testLogger(t))))
	assert.Equal(t, cluster.RoleSubCoordinator, sub.Role())

	c := startCoordinator(t, []cluster.Endpoint{subEP})
	ctx := testContext(t)
	assert.Equal(t, 2, c.Info().Parallel)
	assert.Equal(t, "subcoordinator", c.Workers()[0].Role)

	p, err := planner.NewRangePlanner(100, 10)
	require.NoError(t, err)
	res, err := c.RunJob(ctx, coordinator.Job{Name: "tree", Total: 100, Planner: p})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Processed)
	assert.True(t, p.Done())
	assert.Equal(t, int64(100), c.Totals().BytesRead)

	file := filepath.Join(t.TempDir(), "lookup.txt")
	require.NoError(t, os.WriteFile(file, []byte("table"), 0o644))
	n, err := c.SendFile(ctx, file, coordinator.SendForward, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, a := range []*Agent{sub, leaf1, leaf2} {
		assert.True(t, a.Workspace().Has(workspace.Key(workspace.AreaSandbox, "lookup.txt"), ""))
	}

	require.NoError(t, c.DeactivateWorker(ctx, "0.0.1"))
	par, err := c.AskParallel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, par)

	assert.Error(t, c.ActivateWorker(ctx, "0.0.7"))
}
