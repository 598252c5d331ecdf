package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// Outcome tells the collect loop what to do with the worker a message came
// from.
type Outcome int

const (
	// Continue keeps the worker in the current collect.
	Continue Outcome = iota
	// Done removes the worker from the current collect.
	Done
	// DoneForOuter removes the worker from the enclosing collect instead.
	DoneForOuter
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case DoneForOuter:
		return "done-for-outer"
	}
	return "unknown"
}

// ErrProtocol marks a malformed message. The message is dropped and the
// worker kept.
var ErrProtocol = errors.New("protocol error")

// Handler processes one message from w. A non-nil error that is not an
// ErrProtocol counts as a failure of the query being collected.
type Handler func(ctx context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error)

// Dispatcher routes messages to handlers by kind.
type Dispatcher struct {
	handlers map[wire.Kind]Handler
	log      *zap.Logger
}

// NewDispatcher returns a dispatcher with no handlers.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.Kind]Handler), log: log}
}

// Register installs h for kind, replacing any previous handler.
func (d *Dispatcher) Register(kind wire.Kind, h Handler) {
	d.handlers[kind] = h
}

// Handles reports whether kind has a handler.
func (d *Dispatcher) Handles(kind wire.Kind) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Dispatch runs the handler for m. Unknown kinds and malformed payloads are
// logged and leave the worker in the collect.
func (d *Dispatcher) Dispatch(ctx context.Context, w *cluster.Worker, m *wire.Message) (Outcome, error) {
	h, ok := d.handlers[m.Kind]
	if !ok {
		d.log.Error("unknown command", zap.Stringer("kind", m.Kind), zap.Stringer("worker", w))
		return Continue, nil
	}
	out, err := h(ctx, w, m)
	if err != nil && errors.Is(err, ErrProtocol) {
		d.log.Error("malformed message dropped",
			zap.Stringer("kind", m.Kind), zap.Stringer("worker", w), zap.Error(err))
		return Continue, nil
	}
	return out, err
}
