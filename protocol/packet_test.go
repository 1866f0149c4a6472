package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintEncodedLength(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		size  int
		first byte
	}{
		{"zero", 0, 1, 0x00},
		{"max 7 bit", 0x7F, 1, 0x7F},
		{"min 14 bit", 0x80, 2, 0x80},
		{"max 14 bit", 0x3FFF, 2, 0xBF},
		{"min 21 bit", 0x4000, 3, 0xC0},
		{"min 28 bit", 0x200000, 4, 0xE0},
		{"min 32 bit", 0x10000000, 5, 0xF0},
		{"min 64 bit", 0x100000000, 9, 0xF4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := AppendVarint(nil, tt.value)
			require.Len(t, out, tt.size)
			assert.Equal(t, tt.first, out[0])

			got, n, err := ReadVarint(out)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestReadVarintErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, ErrVarintTruncated},
		{"truncated 14 bit", []byte{0x80}, ErrVarintTruncated},
		{"truncated 64 bit", []byte{0xF4, 1, 2, 3}, ErrVarintTruncated},
		{"negative form", []byte{0xF8, 0x01}, ErrVarintNegative},
		{"inverted form", []byte{0xFC}, ErrVarintNegative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadVarint(tt.data)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestVoicePacketHeaderByte(t *testing.T) {
	pkt := &VoicePacket{Target: 5, Sequence: 1, Payload: []byte{0xAA}}
	out, err := pkt.Marshal(Serverbound)
	require.NoError(t, err)

	assert.Equal(t, byte(4<<5|5), out[0])
	assert.Equal(t, []byte{0x01, 0x01, 0xAA}, out[1:])
}

func TestVoicePacketClientboundCarriesSession(t *testing.T) {
	pos := [3]float32{1.5, -2, 0.25}
	pkt := &VoicePacket{
		Target:            TargetNormal,
		Session:           300,
		Sequence:          49,
		Payload:           []byte{1, 2, 3},
		EndOfTransmission: true,
		Position:          &pos,
	}
	out, err := pkt.Marshal(Clientbound)
	require.NoError(t, err)

	dg, err := Parse(out, Clientbound)
	require.NoError(t, err)
	voice, ok := dg.(*VoicePacket)
	require.True(t, ok)
	assert.Equal(t, uint32(300), voice.Session)
	assert.Equal(t, uint64(49), voice.Sequence)
	assert.Equal(t, []byte{1, 2, 3}, voice.Payload)
	assert.True(t, voice.EndOfTransmission)
	require.NotNil(t, voice.Position)
	assert.Equal(t, pos, *voice.Position)
}

func TestVoicePacketMarshalErrors(t *testing.T) {
	_, err := (&VoicePacket{Payload: make([]byte, MaxPayloadSize+1)}).Marshal(Serverbound)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = (&VoicePacket{Target: 32}).Marshal(Serverbound)
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"unknown kind", []byte{2 << 5}},
		{"ping without timestamp", []byte{1 << 5}},
		{"voice without sequence", []byte{4 << 5}},
		{"voice payload truncated", []byte{4 << 5, 0x01, 0x05, 0xAA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, Serverbound)
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsReservedHeaderBits(t *testing.T) {
	data := AppendVarint([]byte{4 << 5, 0x01}, 0x4005)
	data = append(data, 1, 2, 3, 4, 5)

	_, err := Parse(data, Serverbound)
	assert.ErrorIs(t, err, ErrPayloadHeader)

	data = AppendVarint([]byte{4 << 5, 0x01}, terminatorBit|5)
	data = append(data, 1, 2, 3, 4, 5)
	dg, err := Parse(data, Serverbound)
	require.NoError(t, err)
	pkt := dg.(*VoicePacket)
	assert.True(t, pkt.EndOfTransmission)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, pkt.Payload)
}

func TestPingPacket(t *testing.T) {
	out := (&PingPacket{Timestamp: 1000}).Marshal()
	assert.Equal(t, byte(1<<5), out[0])

	dg, err := Parse(out, Clientbound)
	require.NoError(t, err)
	assert.Equal(t, KindPing, dg.Kind())
	assert.Equal(t, uint64(1000), dg.(*PingPacket).Timestamp)
}

func TestTargetIsWhisper(t *testing.T) {
	assert.False(t, TargetNormal.IsWhisper())
	assert.True(t, Target(1).IsWhisper())
	assert.True(t, Target(30).IsWhisper())
	assert.False(t, TargetLoopback.IsWhisper())
}

func TestQueryPackets(t *testing.T) {
	req := (&QueryRequest{ID: 0xDEADBEEF}).Marshal()
	require.Len(t, req, QueryRequestSize)
	assert.Equal(t, []byte{0, 0, 0, 0}, req[:4])

	parsed, err := ParseQueryRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), parsed.ID)

	_, err = ParseQueryRequest(append([]byte{1}, req[1:]...))
	assert.Error(t, err)

	resp := (&QueryResponse{Version: 0x010400, ID: 7, Users: 3, MaxUsers: 100, Bandwidth: 72000}).Marshal()
	require.Len(t, resp, QueryResponseSize)
	got, err := ParseQueryResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Users)
	assert.Equal(t, uint32(100), got.MaxUsers)

	_, err = ParseQueryResponse(resp[:20])
	assert.Error(t, err)
}
