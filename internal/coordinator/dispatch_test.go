package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

func newObservedDispatcher() (*Dispatcher, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewDispatcher(zap.New(core)), logs
}

// TestDispatchUnknownKind verifies that an unknown message is logged and the
// worker stays in the collect.
func TestDispatchUnknownKind(t *testing.T) {
	d, logs := newObservedDispatcher()
	w := &cluster.Worker{Ordinal: "0.0", Host: "h", Port: 1}

	out, err := d.Dispatch(context.Background(), w, wire.New(wire.KindPing))
	assert.NoError(t, err)
	assert.Equal(t, Continue, out)
	assert.Equal(t, 1, logs.FilterMessage("unknown command").Len())
	assert.False(t, d.Handles(wire.KindPing))
}

// TestDispatchRoutesByKind verifies that handlers see their own kind and that
// their outcome and error reach the caller.
func TestDispatchRoutesByKind(t *testing.T) {
	d, _ := newObservedDispatcher()
	w := &cluster.Worker{Ordinal: "0.0"}
	failed := errors.New("query failed")

	d.Register(wire.KindPing, func(_ context.Context, _ *cluster.Worker, m *wire.Message) (Outcome, error) {
		assert.Equal(t, wire.KindPing, m.Kind)
		return Done, nil
	})
	d.Register(wire.KindLogDone, func(context.Context, *cluster.Worker, *wire.Message) (Outcome, error) {
		return Done, failed
	})

	out, err := d.Dispatch(context.Background(), w, wire.New(wire.KindPing))
	assert.NoError(t, err)
	assert.Equal(t, Done, out)

	out, err = d.Dispatch(context.Background(), w, wire.New(wire.KindLogDone))
	assert.ErrorIs(t, err, failed)
	assert.Equal(t, Done, out)
}

// TestDispatchDropsMalformed verifies that a protocol error keeps the worker
// and is not reported as a query failure.
func TestDispatchDropsMalformed(t *testing.T) {
	d, logs := newObservedDispatcher()
	d.Register(wire.KindPacket, func(context.Context, *cluster.Worker, *wire.Message) (Outcome, error) {
		return Done, fmt.Errorf("%w: short payload", ErrProtocol)
	})

	out, err := d.Dispatch(context.Background(), &cluster.Worker{}, wire.New(wire.KindPacket))
	assert.NoError(t, err)
	assert.Equal(t, Continue, out)
	assert.Equal(t, 1, logs.FilterMessage("malformed message dropped").Len())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "done-for-outer", DoneForOuter.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
