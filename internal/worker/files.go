package worker

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/wire"
	"github.com/dreamware/pcoord/internal/workspace"
)

// Check replies: the file is present, or the request succeeded.
const (
	checkMissing int32 = 0
	checkPresent int32 = 1
)

// SendFile replies.
const (
	storeOK     int32 = 0
	storeFailed int32 = 1
)

// handleCheckFile answers whether a file with the given checksum is already
// here. A leading "+" checks the packages area, "-" unpacks an uploaded
// package and "=" unpacks one a sibling sharing this image received.
func (s *session) handleCheckFile(ctx context.Context, m *wire.Message) error {
	name, sum, cp := m.ReadString(), m.ReadString(), m.ReadBool()
	if err := m.Err(); err != nil {
		return s.reply(wire.New(wire.KindCheckFile).PutInt32(checkMissing), err)
	}
	if name == "" {
		return s.send(wire.New(wire.KindCheckFile).PutInt32(checkMissing))
	}

	rc := checkMissing
	ws := s.a.ws
	switch name[0] {
	case '+':
		if ws.Has(workspace.Key(workspace.AreaPackages, name[1:]), sum) {
			rc = checkPresent
		}
	case '-', '=':
		if s.unpack(ctx, name[1:]) {
			rc = checkPresent
		}
	default:
		rc = s.checkPlain(name, sum, cp)
	}
	return s.send(wire.New(wire.KindCheckFile).PutInt32(rc))
}

// checkPlain looks for name in the sandbox and then in the cache. With cp a
// cached copy is also placed in the sandbox.
func (s *session) checkPlain(name, sum string, cp bool) int32 {
	ws := s.a.ws
	base := path.Base(name)
	if ws.Has(workspace.Key(workspace.AreaSandbox, base), sum) {
		return checkPresent
	}
	cached := workspace.Key(workspace.AreaCache, base)
	if !ws.Has(cached, sum) {
		return checkMissing
	}
	if cp {
		data, err := ws.Get(cached)
		if err != nil {
			return checkMissing
		}
		if err := ws.Put(workspace.Key(workspace.AreaSandbox, base), data); err != nil {
			s.log.Warn("copy from cache failed", zap.String("file", base), zap.Error(err))
			return checkMissing
		}
	}
	return checkPresent
}

// unpack installs an uploaded package and passes it on to the fan-out.
func (s *session) unpack(ctx context.Context, name string) bool {
	if err := s.a.ws.Install(name); err != nil {
		s.log.Warn("package not installed", zap.String("package", name), zap.Error(err))
		return false
	}
	s.log.Info("package installed", zap.String("package", name))
	if s.fan == nil {
		return true
	}
	if _, err := s.fan.UploadPackage(ctx, name); err != nil {
		s.log.Warn("package upload to fan-out failed", zap.String("package", name), zap.Error(err))
		return false
	}
	return true
}

// handleSendFile receives a file. A size of -1 announces no data: the file
// is already here and only needs forwarding. Every request is answered with
// a status so the coordinator never waits on a failed transfer.
func (s *session) handleSendFile(ctx context.Context, m *wire.Message) error {
	name, bin, size, fw := m.ReadString(), m.ReadBool(), m.ReadInt64(), m.ReadBool()
	if err := m.Err(); err != nil {
		return s.reply(storeReply(storeFailed), err)
	}
	key := workspace.Resolve(name)
	if size >= 0 {
		var buf bytes.Buffer
		buf.Grow(int(size))
		if err := s.cn.RecvRaw(ctx, size, &buf); err != nil {
			return s.reply(storeReply(storeFailed), fmt.Errorf("receive %s: %w", name, err))
		}
		if err := s.a.ws.Put(key, buf.Bytes()); err != nil {
			return s.reply(storeReply(storeFailed), fmt.Errorf("store %s: %w", name, err))
		}
		s.log.Debug("file received", zap.String("file", key), zap.Int64("size", size))
	}
	if fw && s.fan != nil && !strings.HasPrefix(key, string(workspace.AreaPackages)+"/") {
		s.forward(ctx, key, bin)
	}
	return s.send(storeReply(storeOK))
}

func storeReply(status int32) *wire.Message {
	return wire.New(wire.KindSendFile).PutInt32(status)
}

// reply answers a failed request and returns its error. A send failure
// takes precedence since it ends the session.
func (s *session) reply(m *wire.Message, err error) error {
	if serr := s.send(m); serr != nil {
		return serr
	}
	return err
}

func (s *session) forward(ctx context.Context, key string, bin bool) {
	file, cleanup, err := s.a.ws.Materialize(key)
	if err != nil {
		s.log.Warn("nothing to forward", zap.String("file", key), zap.Error(err))
		return
	}
	defer cleanup()
	flags := coordinator.SendForward
	if bin {
		flags |= coordinator.SendBinary
	}
	dest := ""
	if strings.HasPrefix(key, string(workspace.AreaCache)+"/") {
		dest = coordinator.DestCache
	}
	if _, err := s.fan.SendFile(ctx, file, flags, dest); err != nil {
		s.log.Warn("forwarding failed", zap.String("file", key), zap.Error(err))
	}
}

// handleCache runs a cache or package step and reports its status.
func (s *session) handleCache(ctx context.Context, m *wire.Message) error {
	op, name := wire.CacheOp(m.ReadInt32()), m.ReadString()
	if err := m.Err(); err != nil {
		return err
	}
	ws := s.a.ws
	var err error
	switch op {
	case wire.CacheClear:
		n := ws.Clear(workspace.AreaCache)
		s.log.Info("cache cleared", zap.Int("files", n))
		if s.fan != nil {
			err = s.fan.ClearRemoteCache(ctx)
		}
	case wire.CacheBuildPackage:
		if err = ws.Build(name); err == nil && s.fan != nil {
			err = s.fan.BuildPackage(ctx, name)
		}
	case wire.CacheBuildSubPackage:
		if s.fan != nil {
			err = s.fan.BuildPackage(ctx, name)
		} else {
			err = ws.Build(name)
		}
	case wire.CacheEnablePackage:
		if s.fan != nil {
			err = s.fan.EnablePackage(ctx, name)
		} else {
			err = ws.Enable(name)
		}
	default:
		err = fmt.Errorf("unknown cache operation %d", op)
	}
	var status int32
	if err != nil {
		s.log.Warn("cache request failed", zap.Int32("op", int32(op)), zap.String("package", name), zap.Error(err))
		status = 1
	}
	return s.send(logDone(status))
}

// storePackages serves the packages in a workspace to a fan-out coordinator.
type storePackages struct {
	ws *workspace.Workspace

	mu       sync.Mutex
	cleanups []func()
}

var _ coordinator.PackageManager = (*storePackages)(nil)

func newStorePackages(ws *workspace.Workspace) *storePackages {
	return &storePackages{ws: ws}
}

func (p *storePackages) Resolve(name string) (string, error) {
	key := workspace.Key(workspace.AreaPackages, workspace.PackageName(name)+workspace.PackageExt)
	file, cleanup, err := p.ws.Materialize(key)
	if err != nil {
		return "", fmt.Errorf("package %s: %w", workspace.PackageName(name), err)
	}
	p.mu.Lock()
	p.cleanups = append(p.cleanups, cleanup)
	p.mu.Unlock()
	return file, nil
}

func (p *storePackages) Build(name string) error { return p.ws.Build(name) }

func (p *storePackages) Install(name string) error { return p.ws.Enable(name) }

func (p *storePackages) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fn := range p.cleanups {
		fn()
	}
	p.cleanups = nil
}
