package cluster

import (
	"fmt"

	"github.com/dreamware/pcoord/internal/wire"
)

// Hello is the handshake exchanged when a connection is taken over. The
// coordinator fills Ordinal and Session; the worker answers with the rest.
type Hello struct {
	Version   int32
	Ordinal   string
	Session   string
	Host      string
	Port      int32
	User      string
	PerfIndex int32
	Image     string
	Role      Role
	WorkDir   string
}

// Message encodes h as a KindHello message.
func (h Hello) Message() *wire.Message {
	return wire.New(wire.KindHello).
		PutInt32(h.Version).
		PutString(h.Ordinal).
		PutString(h.Session).
		PutString(h.Host).
		PutInt32(h.Port).
		PutString(h.User).
		PutInt32(h.PerfIndex).
		PutString(h.Image).
		PutInt32(int32(h.Role)).
		PutString(h.WorkDir)
}

// DecodeHello reads a KindHello message.
func DecodeHello(m *wire.Message) (Hello, error) {
	if m.Kind != wire.KindHello {
		return Hello{}, fmt.Errorf("handshake: expected %s, got %s", wire.KindHello, m.Kind)
	}
	h := Hello{
		Version:   m.ReadInt32(),
		Ordinal:   m.ReadString(),
		Session:   m.ReadString(),
		Host:      m.ReadString(),
		Port:      m.ReadInt32(),
		User:      m.ReadString(),
		PerfIndex: m.ReadInt32(),
		Image:     m.ReadString(),
		Role:      Role(m.ReadInt32()),
		WorkDir:   m.ReadString(),
	}
	if err := m.Err(); err != nil {
		return Hello{}, fmt.Errorf("handshake: %w", err)
	}
	if h.Version != wire.ProtocolVersion {
		return Hello{}, fmt.Errorf("handshake: protocol version %d, want %d", h.Version, wire.ProtocolVersion)
	}
	return h, nil
}

// StopReportVersion is the only StopProcess payload layout understood.
const StopReportVersion = 1

// StopReport is sent by a worker when it stops processing, whether it ran out
// of work, was asked to stop, or failed. Remaining is the part of its last
// range it did not process.
type StopReport struct {
	Processed   int64
	Abort       bool
	Involuntary bool
	Remaining   Range
}

// Message encodes r as a KindStopProcess message.
func (r StopReport) Message() *wire.Message {
	return wire.New(wire.KindStopProcess).
		PutUint8(StopReportVersion).
		PutInt64(r.Processed).
		PutBool(r.Abort).
		PutBool(r.Involuntary).
		PutInt64(r.Remaining.First).
		PutInt64(r.Remaining.Count)
}

// DecodeStopReport reads a KindStopProcess report.
func DecodeStopReport(m *wire.Message) (StopReport, error) {
	if v := m.ReadUint8(); m.Err() == nil && v != StopReportVersion {
		return StopReport{}, fmt.Errorf("stop report: unsupported version %d", v)
	}
	r := StopReport{
		Processed:   m.ReadInt64(),
		Abort:       m.ReadBool(),
		Involuntary: m.ReadBool(),
		Remaining:   Range{First: m.ReadInt64(), Count: m.ReadInt64()},
	}
	if err := m.Err(); err != nil {
		return StopReport{}, fmt.Errorf("stop report: %w", err)
	}
	return r, nil
}

// PacketMessage answers a work request. A nil range tells the worker that
// the dataset is exhausted.
func PacketMessage(r *Range) *wire.Message {
	m := wire.New(wire.KindPacket)
	if r == nil {
		return m.PutBool(false)
	}
	return m.PutBool(true).PutInt64(r.First).PutInt64(r.Count)
}

// DecodePacket reads a KindPacket answer.
func DecodePacket(m *wire.Message) (*Range, error) {
	if !m.ReadBool() {
		return nil, m.Err()
	}
	r := &Range{First: m.ReadInt64(), Count: m.ReadInt64()}
	if err := m.Err(); err != nil {
		return nil, fmt.Errorf("packet: %w", err)
	}
	return r, nil
}
