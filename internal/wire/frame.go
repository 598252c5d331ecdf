package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is exchanged in the Hello handshake. Peers with a different
// version are refused.
const ProtocolVersion = 3

// MaxFrameSize bounds a single frame, header excluded.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// A frame is: uint32 length (kind + payload), uint32 kind, payload.
const headerSize = 8

// WriteFrame encodes m onto w in a single Write call.
func WriteFrame(w io.Writer, m *Message) error {
	if len(m.buf) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, headerSize, headerSize+len(m.buf))
	binary.BigEndian.PutUint32(frame[0:4], uint32(4+len(m.buf)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(m.Kind))
	frame = append(frame, m.buf...)
	_, err := w.Write(frame)
	return err
}

// ReadFrame decodes the next frame from r. io.EOF is returned unchanged when
// the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	if size < 4 {
		return nil, fmt.Errorf("wire: invalid frame length %d", size)
	}
	size -= 4
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	kind := Kind(binary.BigEndian.Uint32(hdr[4:8]))
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read %s payload: %w", kind, err)
	}
	return FromPayload(kind, payload), nil
}

// Raw wraps a chunk of a byte stream (file body or log upload) as a frame.
func Raw(p []byte) *Message {
	buf := make([]byte, len(p))
	copy(buf, p)
	return &Message{Kind: KindRaw, buf: buf}
}
