package coordinator

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/duke-git/lancet/v2/cryptor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/wire"
)

// fakeHandler answers one message kind on behalf of a fake worker.
type fakeHandler func(f *fakeWorker, cn *conn.Conn, m *wire.Message)

// fakeWorker speaks the worker side of the protocol over loopback TCP with
// canned answers. Tests override individual kinds to script failures.
type fakeWorker struct {
	ln     net.Listener
	hello  cluster.Hello
	leaves int

	mu        sync.Mutex
	on        map[wire.Kind]fakeHandler
	seen      map[wire.Kind]int
	files     map[string][]byte
	views     [][2]int32
	processed int64
	conns     []*conn.Conn
}

type fakeOption func(*fakeWorker)

func withImage(image string) fakeOption {
	return func(f *fakeWorker) { f.hello.Image = image }
}

func withPerf(perf int32) fakeOption {
	return func(f *fakeWorker) { f.hello.PerfIndex = perf }
}

// asSubCoordinator makes the fake claim leaves workers of its own.
func asSubCoordinator(leaves int) fakeOption {
	return func(f *fakeWorker) {
		f.hello.Role = cluster.RoleSubCoordinator
		f.leaves = leaves
	}
}

func withHandler(kind wire.Kind, h fakeHandler) fakeOption {
	return func(f *fakeWorker) { f.on[kind] = h }
}

// silent drops messages of kind.
func silent(kind wire.Kind) fakeOption {
	return withHandler(kind, func(*fakeWorker, *conn.Conn, *wire.Message) {})
}

func newFakeWorker(t *testing.T, opts ...fakeOption) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeWorker{
		ln: ln,
		hello: cluster.Hello{
			Host:      "127.0.0.1",
			Port:      int32(ln.Addr().(*net.TCPAddr).Port),
			User:      "tester",
			PerfIndex: 100,
			Image:     "img",
			WorkDir:   "/work",
		},
		leaves: 1,
		on:     defaultFakeHandlers(),
		seen:   make(map[wire.Kind]int),
		files:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.serve()
	t.Cleanup(f.crash)
	return f
}

func (f *fakeWorker) endpoint() cluster.Endpoint {
	return cluster.Endpoint{Host: "127.0.0.1", Port: int(f.hello.Port)}
}

func (f *fakeWorker) serve() {
	for {
		nc, err := f.ln.Accept()
		if err != nil {
			return
		}
		cn := conn.New(nc)
		f.mu.Lock()
		f.conns = append(f.conns, cn)
		f.mu.Unlock()
		go f.handle(cn)
	}
}

func (f *fakeWorker) handle(cn *conn.Conn) {
	ctx := context.Background()
	m, err := cn.Recv(ctx)
	if err != nil {
		return
	}
	h, err := cluster.DecodeHello(m)
	if err != nil {
		_ = cn.Close()
		return
	}
	reply := f.hello
	reply.Version = wire.ProtocolVersion
	reply.Ordinal, reply.Session = h.Ordinal, h.Session
	if cn.Send(reply.Message()) != nil {
		return
	}
	for {
		m, err := cn.Recv(ctx)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.seen[m.Kind]++
		h := f.on[m.Kind]
		f.mu.Unlock()
		if h != nil {
			h(f, cn, m)
		}
	}
}

// crash drops every connection and stops accepting new ones, so a reconnect
// attempt fails too.
func (f *fakeWorker) crash() {
	_ = f.ln.Close()
	f.mu.Lock()
	conns := f.conns
	f.mu.Unlock()
	for _, cn := range conns {
		_ = cn.Close()
	}
}

func (f *fakeWorker) count(kind wire.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[kind]
}

func (f *fakeWorker) processedCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}

func (f *fakeWorker) file(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[name]
	return b, ok
}

func (f *fakeWorker) groupViews() [][2]int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int32(nil), f.views...)
}

func (f *fakeWorker) hasSum(name, sum string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range []string{name, DestCache + "/" + name, DestPackages + "/" + name} {
		if b, ok := f.files[key]; ok && cryptor.Md5String(string(b)) == sum {
			return true
		}
	}
	return false
}

func send(cn *conn.Conn, m *wire.Message) { _ = cn.Send(m) }

func logDone(status int32) *wire.Message {
	return wire.New(wire.KindLogDone).PutInt32(status)
}

func sendFileReply(status int32) *wire.Message {
	return wire.New(wire.KindSendFile).PutInt32(status)
}

func defaultFakeHandlers() map[wire.Kind]fakeHandler {
	return map[wire.Kind]fakeHandler{
		wire.KindPing: func(_ *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, wire.New(wire.KindPing))
		},
		wire.KindGetStats: func(f *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, wire.New(wire.KindGetStats).
				PutInt64(100).PutFloat64(1.5).PutFloat64(1.25).
				PutString(f.hello.WorkDir).PutString(f.hello.Image))
		},
		wire.KindGetParallel: func(f *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, wire.New(wire.KindGetParallel).PutInt32(int32(f.leaves)))
		},
		wire.KindParallel: func(f *fakeWorker, cn *conn.Conn, m *wire.Message) {
			n := int(m.ReadInt32())
			p := f.leaves
			if n >= 0 && n < p {
				p = n
			}
			send(cn, wire.New(wire.KindGetParallel).PutInt32(int32(p)))
		},
		wire.KindGroupView: func(f *fakeWorker, _ *conn.Conn, m *wire.Message) {
			f.mu.Lock()
			f.views = append(f.views, [2]int32{m.ReadInt32(), m.ReadInt32()})
			f.mu.Unlock()
		},
		wire.KindCheckFile: func(f *fakeWorker, cn *conn.Conn, m *wire.Message) {
			name, sum := m.ReadString(), m.ReadString()
			var rc int32
			switch {
			case name[0] == '-' || name[0] == '=':
				rc = 1
			case name[0] == '+':
				if f.hasSum(name[1:], sum) {
					rc = 1
				}
			case f.hasSum(name, sum):
				rc = 1
			}
			send(cn, wire.New(wire.KindCheckFile).PutInt32(rc))
		},
		wire.KindSendFile: func(f *fakeWorker, cn *conn.Conn, m *wire.Message) {
			name := m.ReadString()
			_ = m.ReadBool()
			size := m.ReadInt64()
			var buf bytes.Buffer
			if size > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := cn.RecvRaw(ctx, size, &buf); err != nil {
					send(cn, sendFileReply(1))
					return
				}
			}
			if size >= 0 {
				f.mu.Lock()
				f.files[name] = buf.Bytes()
				f.mu.Unlock()
			}
			send(cn, sendFileReply(0))
		},
		wire.KindProcess: func(_ *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, wire.New(wire.KindGetPacket))
		},
		wire.KindPacket: func(f *fakeWorker, cn *conn.Conn, m *wire.Message) {
			r, err := cluster.DecodePacket(m)
			if err != nil {
				return
			}
			if r == nil {
				f.mu.Lock()
				n := f.processed
				f.mu.Unlock()
				send(cn, cluster.StopReport{Processed: n}.Message())
				send(cn, logDone(0))
				return
			}
			f.mu.Lock()
			f.processed += r.Count
			f.mu.Unlock()
			send(cn, wire.New(wire.KindGetPacket))
		},
		wire.KindCache: func(_ *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, logDone(0))
		},
		wire.KindWorkerLists: func(_ *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			send(cn, wire.New(wire.KindWorkerLists).PutBool(false))
		},
		wire.KindStop: func(_ *fakeWorker, cn *conn.Conn, _ *wire.Message) {
			_ = cn.Close()
		},
	}
}

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		Ordinal:      "0",
		Image:        "coordinator-image",
		Parallel:     -1,
		Seed:         1,
		PollInterval: 20 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, cfg config.CoordinatorConfig, opts ...Option) *Coordinator {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	c := New(cfg, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func endpoints(fs ...*fakeWorker) []cluster.Endpoint {
	eps := make([]cluster.Endpoint, len(fs))
	for i, f := range fs {
		eps[i] = f.endpoint()
	}
	return eps
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startCluster starts fs on a fresh coordinator and requires every worker to
// come up.
func startCluster(t *testing.T, cfg config.CoordinatorConfig, fs ...*fakeWorker) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t, cfg)
	_, err := c.StartWorkers(testContext(t), endpoints(fs...))
	require.NoError(t, err)
	return c
}

func workerFor(t *testing.T, c *Coordinator, f *fakeWorker) *cluster.Worker {
	t.Helper()
	for _, w := range c.Registry().All() {
		if w.Port == int(f.hello.Port) {
			return w
		}
	}
	t.Fatalf("no worker on port %d", f.hello.Port)
	return nil
}
