// Package conn wraps a worker stream. A reader goroutine decodes frames into
// a FIFO as they arrive so that readiness can be polled without blocking, the
// way a socket monitor polls file descriptors.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/wire"
)

// ErrClosed is returned by operations on a connection closed locally.
var ErrClosed = errors.New("conn: closed")

// DialFunc opens a fresh stream to the same peer. It is used by Reconnect.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Option configures a Conn.
type Option func(*Conn)

// WithName sets the label used in logs and errors.
func WithName(name string) Option {
	return func(c *Conn) { c.name = name }
}

// WithDialer enables Reconnect.
func WithDialer(d DialFunc) Option {
	return func(c *Conn) { c.dial = d }
}

// WithReconnectHook runs fn after every successful redial, typically to
// repeat the handshake on the new stream.
func WithReconnectHook(fn func(ctx context.Context, c *Conn) error) Option {
	return func(c *Conn) { c.onReconnect = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithWriteTimeout bounds every write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// Conn is one ordered, reliable stream to a peer.
//
// Sends may come from any goroutine; they are serialized internally. Reads are
// meant for a single consumer: either the coordinator's collect loop through a
// monitor, or one goroutine calling Recv.
type Conn struct {
	name         string
	dial         DialFunc
	onReconnect  func(ctx context.Context, c *Conn) error
	log          *zap.Logger
	writeTimeout time.Duration

	wmu sync.Mutex

	mu       sync.Mutex
	nc       net.Conn
	gen      int
	queue    []*wire.Message
	err      error
	closed   bool
	last     time.Time
	sent     time.Time
	notify   chan struct{}
	watchers map[chan struct{}]struct{}
}

// New takes ownership of nc and starts reading from it.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:           nc,
		log:          zap.NewNop(),
		writeTimeout: 30 * time.Second,
		last:         time.Now(),
		notify:       make(chan struct{}, 1),
		watchers:     make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = nc.RemoteAddr().String()
	}
	c.mu.Lock()
	c.startLocked(nc)
	c.mu.Unlock()
	return c
}

// Dial connects to a TCP address. The returned Conn can Reconnect.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	nc, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(nc, append([]Option{WithName(addr), WithDialer(dial)}, opts...)...), nil
}

// Name returns the connection label.
func (c *Conn) Name() string { return c.name }

func (c *Conn) String() string { return c.name }

func (c *Conn) startLocked(nc net.Conn) {
	c.gen++
	go c.pump(nc, c.gen)
}

func (c *Conn) pump(nc net.Conn, gen int) {
	r := bufio.NewReaderSize(nc, 64<<10)
	for {
		m, err := wire.ReadFrame(r)

		c.mu.Lock()
		if gen != c.gen {
			// Superseded by Reconnect or Close.
			c.mu.Unlock()
			return
		}
		if err != nil {
			if c.err == nil {
				c.err = err
			}
		} else {
			c.queue = append(c.queue, m)
			c.last = time.Now()
		}
		c.wakeLocked()
		c.mu.Unlock()

		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("connection read failed", zap.String("conn", c.name), zap.Error(err))
			}
			return
		}
	}
}

func (c *Conn) wakeLocked() {
	poke(c.notify)
	for ch := range c.watchers {
		poke(ch)
	}
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Watch registers ch to be poked, without blocking, whenever the connection
// becomes readable or fails. ch should have a buffer of one.
func (c *Conn) Watch(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[ch] = struct{}{}
	if len(c.queue) > 0 || c.err != nil {
		poke(ch)
	}
}

// Unwatch removes a channel registered with Watch.
func (c *Conn) Unwatch(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, ch)
}

// Send writes one message.
func (c *Conn) Send(m *wire.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	nc := c.nc
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := wire.WriteFrame(nc, m); err != nil {
		err = fmt.Errorf("send %s to %s: %w", m.Kind, c.name, err)
		c.mu.Lock()
		if c.err == nil && nc == c.nc {
			c.err = err
			c.wakeLocked()
		}
		c.mu.Unlock()
		return err
	}
	if m.Kind != wire.KindRaw {
		c.mu.Lock()
		c.sent = time.Now()
		c.mu.Unlock()
	}
	return nil
}

// SendRaw writes p as a single raw chunk frame.
func (c *Conn) SendRaw(p []byte) error {
	return c.Send(wire.Raw(p))
}

// TryRecv pops the next queued message without blocking. It returns the
// stream error once the queue is drained, and (nil, nil) when nothing is
// available yet.
func (c *Conn) TryRecv() (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		m := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		return m, nil
	}
	return nil, c.err
}

// Recv blocks until a message is available, the stream fails, or ctx is done.
func (c *Conn) Recv(ctx context.Context) (*wire.Message, error) {
	for {
		m, err := c.TryRecv()
		if m != nil || err != nil {
			return m, err
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RecvRaw copies exactly n bytes of raw chunk frames into w.
func (c *Conn) RecvRaw(ctx context.Context, n int64, w io.Writer) error {
	for n > 0 {
		m, err := c.Recv(ctx)
		if err != nil {
			return err
		}
		if m.Kind != wire.KindRaw {
			return fmt.Errorf("conn %s: expected raw chunk, got %s", c.name, m.Kind)
		}
		p := m.Payload()
		if int64(len(p)) > n {
			return fmt.Errorf("conn %s: raw chunk overruns announced size by %d bytes", c.name, int64(len(p))-n)
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
		n -= int64(len(p))
	}
	return nil
}

// Ready reports whether TryRecv would return a message or an error.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0 || c.err != nil
}

// Pending is the number of queued messages.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Err returns the stream error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Valid reports whether the connection is open and has not failed.
func (c *Conn) Valid() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.err == nil
}

// LastActivity is the time the last frame was received.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// LastSent is the time the last message, raw chunks aside, was written.
func (c *Conn) LastSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Reconnect replaces the underlying stream with a fresh one from the dialer.
// Undelivered messages from the old stream are dropped.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.dial == nil {
		return fmt.Errorf("conn %s: reconnect not supported", c.name)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.nc
	c.gen++
	c.mu.Unlock()
	_ = old.Close()

	nc, err := c.dial(ctx)
	if err != nil {
		err = fmt.Errorf("reconnect %s: %w", c.name, err)
		c.mu.Lock()
		if c.err == nil {
			c.err = err
			c.wakeLocked()
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return ErrClosed
	}
	c.nc = nc
	c.err = nil
	c.queue = nil
	c.last = time.Now()
	c.startLocked(nc)
	c.mu.Unlock()

	c.log.Info("connection re-established", zap.String("conn", c.name))
	if c.onReconnect != nil {
		if err := c.onReconnect(ctx, c); err != nil {
			return fmt.Errorf("reconnect %s: %w", c.name, err)
		}
	}
	return nil
}

// Close shuts the stream down. Pending and future reads report ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.queue = nil
	c.err = ErrClosed
	nc := c.nc
	c.wakeLocked()
	c.mu.Unlock()
	return nc.Close()
}
