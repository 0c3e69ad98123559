package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRoundTrip(t *testing.T) {
	in := []Message{
		{ID: "msg-1", Payload: []byte("terminal bytes")},
		{ID: "msg-2", Payload: []byte{}},
		{ID: "", Payload: []byte{0x00, 0xFF, 0x10}},
	}

	data, err := EncodeBatch(in)
	require.NoError(t, err)

	out, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID, "message %d", i)
		assert.Equal(t, in[i].Payload, out[i].Payload, "message %d", i)
	}
}

func TestBatchHeaderLayout(t *testing.T) {
	data, err := EncodeBatch([]Message{{ID: "a", Payload: []byte("b")}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), HeaderSize)

	assert.Equal(t, MagicBytes, binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, CurrentVersion, binary.BigEndian.Uint16(data[4:6]))
	assert.Equal(t, uint16(FrameTypeBatch), binary.BigEndian.Uint16(data[6:8]))
	assert.Equal(t, uint32(len(data)-HeaderSize), binary.BigEndian.Uint32(data[8:12]))
}

func TestEncodeBatchRejectsEmpty(t *testing.T) {
	_, err := EncodeBatch(nil)
	assert.Error(t, err)
}

func TestEncodeBatchRejectsLongID(t *testing.T) {
	_, err := EncodeBatch([]Message{{ID: strings.Repeat("x", MaxCorrelationIDLen+1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlation id too long")
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data, err := EncodeBatch([]Message{{ID: "a", Payload: []byte("b")}})
	require.NoError(t, err)

	binary.BigEndian.PutUint32(data[0:4], 0xDEADBEEF)

	_, err = DecodeBatch(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic bytes")
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data, err := EncodeBatch([]Message{{ID: "a", Payload: []byte("b")}})
	require.NoError(t, err)

	binary.BigEndian.PutUint16(data[4:6], 0x00FF)

	_, err = DecodeBatch(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	data, err := EncodeBatch([]Message{{ID: "a", Payload: []byte("payload")}})
	require.NoError(t, err)

	_, err = DecodeBatch(data[:len(data)-3])
	assert.Error(t, err)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	data, err := EncodeBatch([]Message{{ID: "a", Payload: []byte("b")}})
	require.NoError(t, err)

	// Extend the declared payload so spare bytes land inside the frame.
	data = append(data, 0x01)
	binary.BigEndian.PutUint32(data[8:12], uint32(len(data)-HeaderSize))

	_, err = DecodeBatch(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing bytes")
}

func TestDecodeRejectsNonBatchFrame(t *testing.T) {
	frame := &Frame{Version: CurrentVersion, Type: 0x0042, Payload: []byte{0x00}}

	var buf bytes.Buffer
	require.NoError(t, frame.Encode(&buf))

	_, err := DecodeBatch(buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected frame type")
}

func TestEncodedSizeMatchesWireCost(t *testing.T) {
	msgs := []Message{
		{ID: "alpha", Payload: []byte("0123456789")},
		{ID: "b", Payload: nil},
	}

	total := 0
	for _, m := range msgs {
		total += m.EncodedSize()
	}

	data, err := EncodeBatch(msgs)
	require.NoError(t, err)

	// Frame = header + count field + per-message cost.
	assert.Equal(t, HeaderSize+2+total, len(data))
}

func TestVersionSupport(t *testing.T) {
	assert.True(t, IsVersionSupported(CurrentVersion))
	assert.False(t, IsVersionSupported(0))
	assert.False(t, IsVersionSupported(MaxVersion+1))
}
