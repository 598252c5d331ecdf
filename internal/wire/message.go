package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortPayload is reported by the readers of a Message when a field extends
// past the end of the payload.
var ErrShortPayload = errors.New("wire: short payload")

// Message is a typed envelope. Writers append big-endian fields to the payload;
// readers consume them in the same order. Reader errors are sticky: after the
// first failure every read returns the zero value and Err reports the cause.
type Message struct {
	Kind Kind

	buf []byte
	off int
	err error
}

// New returns an empty message of the given kind.
func New(kind Kind) *Message {
	return &Message{Kind: kind}
}

// FromPayload wraps a received payload for reading.
func FromPayload(kind Kind, payload []byte) *Message {
	return &Message{Kind: kind, buf: payload}
}

// Payload returns the encoded fields.
func (m *Message) Payload() []byte { return m.buf }

// Len is the payload size in bytes.
func (m *Message) Len() int { return len(m.buf) }

// Remaining reports how many unread payload bytes are left. Optional trailing
// fields are detected with it.
func (m *Message) Remaining() int { return len(m.buf) - m.off }

// Err returns the first read error, if any.
func (m *Message) Err() error { return m.err }

// Rewind resets the read cursor so a message can be decoded again, e.g. when
// it is forwarded after being inspected.
func (m *Message) Rewind() {
	m.off = 0
	m.err = nil
}

func (m *Message) PutUint8(v uint8) *Message {
	m.buf = append(m.buf, v)
	return m
}

func (m *Message) PutBool(v bool) *Message {
	if v {
		return m.PutUint8(1)
	}
	return m.PutUint8(0)
}

func (m *Message) PutInt32(v int32) *Message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, uint32(v))
	return m
}

func (m *Message) PutUint32(v uint32) *Message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, v)
	return m
}

func (m *Message) PutInt64(v int64) *Message {
	m.buf = binary.BigEndian.AppendUint64(m.buf, uint64(v))
	return m
}

func (m *Message) PutFloat64(v float64) *Message {
	m.buf = binary.BigEndian.AppendUint64(m.buf, math.Float64bits(v))
	return m
}

// PutBytes writes a uint32 length followed by the bytes.
func (m *Message) PutBytes(p []byte) *Message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, uint32(len(p)))
	m.buf = append(m.buf, p...)
	return m
}

func (m *Message) PutString(s string) *Message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, uint32(len(s)))
	m.buf = append(m.buf, s...)
	return m
}

func (m *Message) take(n int) []byte {
	if m.err != nil {
		return nil
	}
	if n < 0 || m.Remaining() < n {
		m.err = ErrShortPayload
		return nil
	}
	p := m.buf[m.off : m.off+n]
	m.off += n
	return p
}

func (m *Message) ReadUint8() uint8 {
	p := m.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (m *Message) ReadBool() bool { return m.ReadUint8() != 0 }

func (m *Message) ReadInt32() int32 { return int32(m.ReadUint32()) }

func (m *Message) ReadUint32() uint32 {
	p := m.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (m *Message) ReadInt64() int64 {
	p := m.take(8)
	if p == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(p))
}

func (m *Message) ReadFloat64() float64 {
	p := m.take(8)
	if p == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p))
}

// ReadBytes returns a copy of a length-prefixed byte field.
func (m *Message) ReadBytes() []byte {
	n := m.ReadUint32()
	p := m.take(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

func (m *Message) ReadString() string {
	n := m.ReadUint32()
	p := m.take(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

// Copy returns an unread duplicate sharing no state with m.
func (m *Message) Copy() *Message {
	buf := make([]byte, len(m.buf))
	copy(buf, m.buf)
	return &Message{Kind: m.Kind, buf: buf}
}
