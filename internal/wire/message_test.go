package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMessageFieldOrder verifies that fields come back in the order they were written.
func TestMessageFieldOrder(t *testing.T) {
	m := New(KindGetStats).
		PutInt64(1 << 40).
		PutFloat64(1.5).
		PutFloat64(0.25).
		PutString("/tmp/work").
		PutBool(true).
		PutInt32(-7)

	in := FromPayload(m.Kind, m.Payload())
	assert.Equal(t, int64(1<<40), in.ReadInt64())
	assert.Equal(t, 1.5, in.ReadFloat64())
	assert.Equal(t, 0.25, in.ReadFloat64())
	assert.Equal(t, "/tmp/work", in.ReadString())
	assert.True(t, in.ReadBool())
	assert.Equal(t, int32(-7), in.ReadInt32())
	assert.NoError(t, in.Err())
	assert.Equal(t, 0, in.Remaining())
}

// TestMessageStickyError verifies that a short read poisons every later read.
func TestMessageStickyError(t *testing.T) {
	in := FromPayload(KindLogDone, []byte{0, 0, 0, 1, 0})

	assert.Equal(t, int32(1), in.ReadInt32())
	assert.Equal(t, int64(0), in.ReadInt64(), "only one byte left")
	assert.ErrorIs(t, in.Err(), ErrShortPayload)

	// Even a read that would fit now fails.
	assert.Equal(t, uint8(0), in.ReadUint8())
	assert.ErrorIs(t, in.Err(), ErrShortPayload)
}

// TestMessageOptionalTrailingField verifies the Remaining idiom used for optional fields.
func TestMessageOptionalTrailingField(t *testing.T) {
	short := New(KindGetParallel).PutInt32(4)
	long := New(KindGetParallel).PutInt32(4).PutBool(true)

	for _, tc := range []struct {
		name  string
		msg   *Message
		async bool
	}{
		{"without flag", short, false},
		{"with flag", long, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := FromPayload(tc.msg.Kind, tc.msg.Payload())
			assert.Equal(t, int32(4), in.ReadInt32())
			async := false
			if in.Remaining() > 0 {
				async = in.ReadBool()
			}
			assert.Equal(t, tc.async, async)
			assert.NoError(t, in.Err())
		})
	}
}

// TestMessageStringLengthOverflow verifies that a bogus length prefix is rejected.
func TestMessageStringLengthOverflow(t *testing.T) {
	payload := binary.BigEndian.AppendUint32(nil, 1000)
	payload = append(payload, "abc"...)
	in := FromPayload(KindMessage, payload)

	assert.Equal(t, "", in.ReadString())
	assert.ErrorIs(t, in.Err(), ErrShortPayload)
}

// TestMessageCopyAndRewind verifies that copies are independent and rewinding restarts reads.
func TestMessageCopyAndRewind(t *testing.T) {
	m := New(KindMessage).PutString("hello")
	assert.Equal(t, "hello", m.ReadString())

	c := m.Copy()
	assert.Equal(t, "hello", c.ReadString())

	m.Rewind()
	assert.Equal(t, "hello", m.ReadString())
	assert.Equal(t, KindMessage, c.Kind)
}

// TestFrameStream verifies that several frames decode back from one stream.
func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, New(KindPing)))
	require.NoError(t, WriteFrame(&buf, New(KindParallel).PutInt32(3).PutBool(false)))
	require.NoError(t, WriteFrame(&buf, Raw([]byte("chunk"))))

	m, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindPing, m.Kind)
	assert.Equal(t, 0, m.Len())

	m, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindParallel, m.Kind)
	assert.Equal(t, int32(3), m.ReadInt32())

	m, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindRaw, m.Kind)
	assert.Equal(t, []byte("chunk"), m.Payload())

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

// TestReadFrameErrors verifies the framing guards.
func TestReadFrameErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		hdr := binary.BigEndian.AppendUint32(nil, MaxFrameSize+8)
		hdr = binary.BigEndian.AppendUint32(hdr, uint32(KindRaw))
		_, err := ReadFrame(bytes.NewReader(hdr))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, New(KindMessage).PutString("truncated")))
		data := buf.Bytes()[:buf.Len()-3]
		_, err := ReadFrame(bytes.NewReader(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	})

	t.Run("invalid length", func(t *testing.T) {
		hdr := binary.BigEndian.AppendUint32(nil, 2)
		hdr = binary.BigEndian.AppendUint32(hdr, 0)
		_, err := ReadFrame(bytes.NewReader(hdr))
		assert.Error(t, err)
	})
}

// TestKindString verifies that kinds render by name and unknown values stay readable.
func TestKindString(t *testing.T) {
	assert.Equal(t, "GetPacket", KindGetPacket.String())
	assert.Equal(t, "Kind(999)", Kind(999).String())
}
