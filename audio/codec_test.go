package audio

import (
	"testing"

	"github.com/pion/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constFrame(channels int, v float32) []float32 {
	f := make([]float32, FrameSamples*channels)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestPCMCodec(t *testing.T) {
	c, err := NewPCMCodec(2)
	require.NoError(t, err)
	assert.Equal(t, "pcm", c.Name())
	assert.Equal(t, 2, c.Channels())

	frame := constFrame(2, 0.25)
	frame[0], frame[1] = 1.5, -1.5

	payload, err := c.Encode(frame)
	require.NoError(t, err)
	assert.Len(t, payload, len(frame)*2)

	out, err := c.Decode(payload)
	require.NoError(t, err)
	require.Len(t, out, len(frame))
	assert.InDelta(t, 1, out[0], 1e-3)
	assert.InDelta(t, -1, out[1], 1e-3)
	assert.InDelta(t, 0.25, out[2], 1e-3)

	_, err = c.Encode(frame[:10])
	assert.ErrorIs(t, err, ErrFrameSize)
	_, err = c.Decode([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = NewPCMCodec(3)
	assert.Error(t, err)
}

func TestNewOpusCodecValidation(t *testing.T) {
	c, err := NewOpusCodec(1, 0)
	require.NoError(t, err)
	assert.Equal(t, "opus", c.Name())
	assert.Equal(t, DefaultOpusBitrate, c.bitrate)

	_, err = c.Encode(make([]float32, 10))
	assert.ErrorIs(t, err, ErrFrameSize)
	_, err = c.Decode(nil)
	assert.Error(t, err)

	_, err = NewOpusCodec(0, 0)
	assert.Error(t, err)
}

func TestPacketBandwidth(t *testing.T) {
	tests := []struct {
		config byte
		want   opus.Bandwidth
	}{
		{0, opus.BandwidthNarrowband},
		{5, opus.BandwidthMediumband},
		{9, opus.BandwidthWideband},
		{12, opus.BandwidthSuperwideband},
		{15, opus.BandwidthFullband},
		{17, opus.BandwidthNarrowband},
		{21, opus.BandwidthWideband},
		{25, opus.BandwidthSuperwideband},
		{31, opus.BandwidthFullband},
	}

	for _, tt := range tests {
		got, err := PacketBandwidth([]byte{tt.config << 3})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "config %d", tt.config)
	}

	_, err := PacketBandwidth(nil)
	assert.Error(t, err)
}

func TestPacketBandwidthRejectsMalformedFraming(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		valid   bool
	}{
		{"empty", nil, false},
		{"single frame", []byte{31 << 3, 0xAA}, true},
		{"two equal frames", []byte{31<<3 | 1, 0xAA, 0xBB}, true},
		{"two equal frames uneven", []byte{31<<3 | 1, 0xAA}, false},
		{"two frames without length", []byte{31<<3 | 2}, false},
		{"arbitrary frames without count", []byte{31<<3 | 3}, false},
		{"zero frames", []byte{31<<3 | 3, 0}, false},
		{"six 20 ms CELT frames", []byte{31<<3 | 3, 6}, true},
		{"seven 20 ms CELT frames", []byte{31<<3 | 3, 7}, false},
		{"three 60 ms SILK frames", []byte{11<<3 | 3, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PacketBandwidth(tt.payload)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedOpus)
			}
		})
	}
}

func TestOpusDecodeRejectsMalformedPacket(t *testing.T) {
	c, err := NewOpusCodec(1, 0)
	require.NoError(t, err)
	_, err = c.Decode([]byte{31<<3 | 3, 0})
	assert.ErrorIs(t, err, ErrMalformedOpus)
	assert.Nil(t, c.decoder, "decoder is never created for rejected input")
}

func TestOpusRoundTripRecordsBandwidth(t *testing.T) {
	enc, err := NewOpusCodec(1, 0)
	require.NoError(t, err)
	defer enc.Close()
	payload, err := enc.Encode(constFrame(1, 0.25))
	require.NoError(t, err)

	want, err := PacketBandwidth(payload)
	require.NoError(t, err)

	dec, err := NewOpusCodec(1, 0)
	require.NoError(t, err)
	defer dec.Close()
	pcm, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Len(t, pcm, FrameSamples)
	assert.Equal(t, want, dec.Bandwidth())
}

func TestNewCodecFactory(t *testing.T) {
	f, err := NewCodecFactory("pcm", 0)
	require.NoError(t, err)
	c, err := f(1)
	require.NoError(t, err)
	assert.Equal(t, "pcm", c.Name())

	f, err = NewCodecFactory("", 32000)
	require.NoError(t, err)
	c, err = f(2)
	require.NoError(t, err)
	assert.Equal(t, "opus", c.Name())

	_, err = NewCodecFactory("speex", 0)
	assert.Error(t, err)
}

func TestChannelHelpers(t *testing.T) {
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2}, RemixChannels([]float32{0.1, 0.2}, 1, 2))
	assert.Equal(t, []float32{0.1, 0.3}, RemixChannels([]float32{0.1, 0.2, 0.3, 0.4}, 2, 1))
	assert.Equal(t, float32(1), Clamp(2))
	assert.Equal(t, float32(-1), Clamp(-2))

	pcm := FloatToInt16(nil, []float32{1, -1, 0})
	assert.Equal(t, []int16{32767, -32767, 0}, pcm)
	f := Int16ToFloat(nil, []int16{-32768, 16384})
	assert.Equal(t, []float32{-1, 0.5}, f)
}
