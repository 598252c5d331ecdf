package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
	"github.com/dreamware/pcoord/internal/logging"
	"github.com/dreamware/pcoord/internal/wire"
)

// handshakeTimeout bounds the wait for the coordinator's Hello.
const handshakeTimeout = 10 * time.Second

// errSessionEnd ends a session without being an error.
var errSessionEnd = errors.New("session ended")

type handler func(ctx context.Context, m *wire.Message) error

// session serves one coordinator connection. Messages are handled one at a
// time on the session's goroutine, in arrival order.
type session struct {
	a        *Agent
	cn       *conn.Conn
	log      *zap.Logger
	handlers map[wire.Kind]handler

	hello    cluster.Hello
	fan      Fanout
	packages *storePackages

	// deferred holds messages read while waiting for a reply, to be
	// handled once the loop resumes.
	deferred []*wire.Message

	groupIdx, groupSize int32
	stats               cluster.Stats
	job                 *jobRun
	stopping            bool
	stopAbort           bool
}

func (a *Agent) serveConn(ctx context.Context, nc net.Conn) {
	s := &session{
		a:   a,
		cn:  conn.New(nc, conn.WithLogger(a.log), conn.WithName(nc.RemoteAddr().String())),
		log: a.log.With(zap.Stringer("peer", nc.RemoteAddr())),
	}
	if !a.track(s, true) {
		_ = s.cn.Close()
		return
	}
	defer a.track(s, false)
	defer s.close(ctx)

	port := 0
	if addr, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	if err := s.handshake(ctx, port); err != nil {
		s.log.Warn("handshake failed", zap.Error(err))
		return
	}
	s.registerHandlers()
	if err := s.loop(ctx); err != nil && !errors.Is(err, errSessionEnd) {
		s.log.Info("session ended", zap.Error(err))
	}
}

func (s *session) handshake(ctx context.Context, port int) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	m, err := s.cn.Recv(hctx)
	if err != nil {
		return err
	}
	req, err := cluster.DecodeHello(m)
	if err != nil {
		_ = s.cn.Send(wire.New(wire.KindFatal).PutString(err.Error()))
		return err
	}
	s.hello = req
	s.log = s.log.With(zap.String("ordinal", req.Ordinal))
	if err := s.cn.Send(s.a.hello(req, port).Message()); err != nil {
		return err
	}
	if s.a.fanout == nil {
		return nil
	}

	s.packages = newStorePackages(s.a.ws)
	fetch := func(ctx context.Context, name string) ([]byte, error) {
		data, found, err := s.fetchObject(ctx, name)
		if err == nil && !found {
			err = fmt.Errorf("object %q not found upstream", name)
		}
		return data, err
	}
	fan, err := s.a.fanout(ctx, req, s.cn, fetch, s.packages)
	if err != nil {
		_ = s.cn.Send(wire.New(wire.KindFatal).PutString(fmt.Sprintf("fan-out failed: %v", err)))
		return err
	}
	s.fan = fan
	return nil
}

func (s *session) registerHandlers() {
	s.handlers = map[wire.Kind]handler{
		wire.KindOK:          func(context.Context, *wire.Message) error { return nil },
		wire.KindPing:        s.handlePing,
		wire.KindStop:        func(context.Context, *wire.Message) error { return errSessionEnd },
		wire.KindGetStats:    s.handleGetStats,
		wire.KindParallel:    s.handleParallel,
		wire.KindGetParallel: s.handleGetParallel,
		wire.KindGroupView:   s.handleGroupView,
		wire.KindLogLevel:    s.handleLogLevel,
		wire.KindWorkerLists: s.handleWorkerLists,
		wire.KindCheckFile:   s.handleCheckFile,
		wire.KindSendFile:    s.handleSendFile,
		wire.KindCache:       s.handleCache,
		wire.KindProcess:     s.handleProcess,
		wire.KindPacket:      s.handlePacket,
		wire.KindStopProcess: s.handleStopProcess,
	}
}

func (s *session) loop(ctx context.Context) error {
	for {
		var m *wire.Message
		if len(s.deferred) > 0 {
			m, s.deferred = s.deferred[0], s.deferred[1:]
		} else {
			var err error
			if m, err = s.cn.Recv(ctx); err != nil {
				return err
			}
		}
		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
	}
}

// dispatch runs the handler for m. Only errors that end the session are
// returned.
func (s *session) dispatch(ctx context.Context, m *wire.Message) error {
	h, ok := s.handlers[m.Kind]
	if !ok {
		s.log.Error("unknown command", zap.Stringer("kind", m.Kind))
		return nil
	}
	err := h(ctx, m)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSessionEnd), errors.Is(err, conn.ErrClosed), !s.cn.Valid():
		return err
	}
	s.log.Error("request failed", zap.Stringer("kind", m.Kind), zap.Error(err))
	return nil
}

// await reads from the coordinator until a message of kind arrives. Stop
// requests are acted on at once; anything else waits for the loop.
func (s *session) await(ctx context.Context, kind wire.Kind) (*wire.Message, error) {
	for {
		m, err := s.cn.Recv(ctx)
		if err != nil {
			return nil, err
		}
		switch m.Kind {
		case kind:
			return m, nil
		case wire.KindPing:
			if err := s.send(wire.New(wire.KindPing)); err != nil {
				return nil, err
			}
		case wire.KindStopProcess:
			s.requestStop(m.ReadBool())
		case wire.KindStop:
			return nil, errSessionEnd
		default:
			s.deferred = append(s.deferred, m)
		}
	}
}

func (s *session) send(m *wire.Message) error {
	return s.cn.Send(m)
}

func (s *session) close(ctx context.Context) {
	if s.fan != nil {
		if err := s.fan.Close(ctx); err != nil {
			s.log.Warn("fan-out close failed", zap.Error(err))
		}
	}
	if s.packages != nil {
		s.packages.release()
	}
	_ = s.cn.Close()
}

func (s *session) handlePing(context.Context, *wire.Message) error {
	return s.send(wire.New(wire.KindPing))
}

func (s *session) handleGetStats(ctx context.Context, _ *wire.Message) error {
	st := s.stats
	if s.fan != nil {
		if err := s.fan.AskStatistics(ctx); err != nil {
			s.log.Warn("statistics from fan-out incomplete", zap.Error(err))
		}
		st.Add(s.fan.Totals())
	}
	return s.send(wire.New(wire.KindGetStats).
		PutInt64(st.BytesRead).PutFloat64(st.RealTime).PutFloat64(st.CPUTime).
		PutString(s.a.cfg.WorkDir).PutString(s.a.cfg.Image))
}

// handleParallel selects n of a sub-coordinator's workers, or keeps the
// current selection for a negative n. A leaf is always one.
func (s *session) handleParallel(ctx context.Context, m *wire.Message) error {
	n, random := m.ReadInt32(), false
	if m.Remaining() > 0 {
		random = m.ReadBool()
	}
	if err := m.Err(); err != nil {
		return err
	}
	par := 1
	if s.fan != nil {
		var err error
		if n < 0 {
			par, err = s.fan.AskParallel(ctx)
		} else {
			par, err = s.fan.SetActiveCount(ctx, int(n), random)
		}
		if err != nil {
			s.log.Warn("fan-out selection incomplete", zap.Error(err))
		}
	} else if n == 0 {
		par = 0
	}
	return s.send(wire.New(wire.KindGetParallel).PutInt32(int32(par)))
}

func (s *session) handleGetParallel(ctx context.Context, _ *wire.Message) error {
	par := 1
	if s.fan != nil {
		var err error
		if par, err = s.fan.AskParallel(ctx); err != nil {
			s.log.Warn("fan-out parallelism incomplete", zap.Error(err))
		}
	}
	return s.send(wire.New(wire.KindGetParallel).PutInt32(int32(par)))
}

func (s *session) handleGroupView(_ context.Context, m *wire.Message) error {
	idx, size := m.ReadInt32(), m.ReadInt32()
	if err := m.Err(); err != nil {
		return err
	}
	s.groupIdx, s.groupSize = idx, size
	s.log.Debug("group view", zap.Int32("index", idx), zap.Int32("size", size))
	return nil
}

func (s *session) handleLogLevel(_ context.Context, m *wire.Message) error {
	name := m.ReadString()
	if err := m.Err(); err != nil {
		return err
	}
	lvl, err := logging.ParseLevel(name)
	if err != nil {
		return err
	}
	if s.a.level != nil {
		s.a.level.SetLevel(lvl)
	}
	if s.fan != nil {
		return s.fan.SetLogLevel(name)
	}
	return nil
}

// handleWorkerLists applies an activation change below this sub-coordinator
// and tells the coordinator whether the ordinal was found.
func (s *session) handleWorkerLists(ctx context.Context, m *wire.Message) error {
	ordinal, add := m.ReadString(), m.ReadBool()
	if err := m.Err(); err != nil {
		return err
	}
	found := false
	if s.fan != nil {
		err := s.fan.ModifyWorkerLists(ctx, ordinal, add)
		found = err == nil
		if err != nil {
			s.log.Info("worker list change not applied", zap.String("worker", ordinal), zap.Error(err))
		}
	}
	return s.send(wire.New(wire.KindWorkerLists).PutBool(found))
}

func logDone(status int32) *wire.Message {
	return wire.New(wire.KindLogDone).PutInt32(status)
}
