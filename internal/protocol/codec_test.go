package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		packet  Packet
		wantLen int
	}{
		{"reset", NewReset(), 4},
		{"start kernel", NewStartKernel(), 4},
		{"ack", NewAck(), 4},
		{"nak", NewNak(), 4},
		{"mem write", NewMemWrite(16, []byte{1, 2, 3, 4, 5}), 17},
		{"mem read request", NewMemReadRequest(64, 128), 12},
		{"mem read response", NewMemReadResponse(64, []byte("hello")), 17},
		{"kernel chunk", NewLoadKernel(1024, 512, []byte{0xde, 0xad}), 18},
		{"work size", NewGlobalWorkSize(32, 8, 1), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.packet)
			require.NoError(t, err)
			assert.Len(t, buf, tt.wantLen)
			assert.Equal(t, tt.wantLen, tt.packet.Len())

			got, n, err := TryDecode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, n)
			assert.Equal(t, tt.packet, got)
		})
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	buf, err := Encode(NewMemWrite(0x01020304, []byte{0xaa}))
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x01,       // version
		0x00, 0x0d, // length 13
		0x01,                   // MEM_WRITE
		0x01, 0x02, 0x03, 0x04, // offset
		0x00, 0x00, 0x00, 0x01, // access length
		0xaa,
	}, buf)
}

func TestEncodeRejectsOversizedPacket(t *testing.T) {
	_, err := Encode(NewMemWrite(0, make([]byte, MaxMemData+1)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Encode(NewMemWrite(0, make([]byte, MaxMemData)))
	assert.NoError(t, err)
}

func TestTryDecodeIncomplete(t *testing.T) {
	buf, err := Encode(NewGlobalWorkSize(1, 2, 3))
	require.NoError(t, err)

	for i := 0; i < len(buf); i++ {
		_, n, err := TryDecode(buf[:i])
		assert.ErrorIs(t, err, ErrNeedMoreData, "prefix %d", i)
		assert.Zero(t, n)
	}
}

func TestTryDecodeLengthMismatch(t *testing.T) {
	// MEM_WRITE declaring 10 data bytes but carrying 2.
	buf := []byte{1, 0, 14, 0x01, 0, 0, 0, 0, 0, 0, 0, 10, 0xaa, 0xbb}
	trailer, err := Encode(NewAck())
	require.NoError(t, err)
	buf = append(buf, trailer...)

	pkt, n, err := TryDecode(buf)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, 14, n)
	assert.Equal(t, CmdMemWrite, pkt.Command)

	next, _, err := TryDecode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, CmdAck, next.Command)
}

func TestTryDecodeShortLength(t *testing.T) {
	_, n, err := TryDecode([]byte{1, 0, 2, 0xFE})
	assert.ErrorIs(t, err, ErrShortPacket)
	assert.Zero(t, n)
}

func TestTryDecodeUnknownCommand(t *testing.T) {
	pkt, n, err := TryDecode([]byte{1, 0, 6, 0x42, 7, 8})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, pkt.Command.Known())
	assert.Equal(t, "UNKNOWN", CommandName(pkt.Command))
	raw, ok := pkt.Payload.(*Raw)
	require.True(t, ok)
	assert.Equal(t, []byte{7, 8}, raw.Data)
}

func TestTryDecodeDoesNotAliasInput(t *testing.T) {
	buf, err := Encode(NewMemWrite(0, []byte{1, 2, 3}))
	require.NoError(t, err)

	pkt, _, err := TryDecode(buf)
	require.NoError(t, err)
	buf[len(buf)-1] = 0xff
	assert.Equal(t, []byte{1, 2, 3}, pkt.Mem().Data)
}

func TestReadPacketSequence(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WritePacket(&stream, NewMemReadResponse(8, []byte{9, 9})))
	require.NoError(t, WritePacket(&stream, NewNak()))

	first, err := ReadPacket(&stream)
	require.NoError(t, err)
	assert.Equal(t, CmdMemReadRsp, first.Command)
	assert.Equal(t, uint32(8), first.Mem().Offset)

	second, err := ReadPacket(&stream)
	require.NoError(t, err)
	assert.Equal(t, CmdNak, second.Command)
}

func TestReadPacketTruncated(t *testing.T) {
	buf, err := Encode(NewMemWrite(0, []byte{1, 2, 3, 4}))
	require.NoError(t, err)

	_, err = ReadPacket(bytes.NewReader(buf[:len(buf)-1]))
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "SET_GLOBAL_WORK_SIZE", CmdSetGlobalWorkSize.String())
	assert.Equal(t, "UNKNOWN(0x42)", Command(0x42).String())
	assert.True(t, CmdNak.Known())
}
