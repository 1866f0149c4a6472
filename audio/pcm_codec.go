package audio

import (
	"encoding/binary"
	"fmt"
)

// PCMCodec is an uncompressed codec carrying little-endian int16 samples.
// It is used by tests and loopback setups where Opus is unavailable.
type PCMCodec struct {
	channels int
}

// NewPCMCodec creates a passthrough codec.
func NewPCMCodec(channels int) (*PCMCodec, error) {
	if !ValidChannels(channels) {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", channels)
	}
	return &PCMCodec{channels: channels}, nil
}

// PCMFactory is a CodecFactory producing PCM codecs.
func PCMFactory(channels int) (FrameCodec, error) {
	return NewPCMCodec(channels)
}

// Encode implements FrameCodec.
func (c *PCMCodec) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSamples*c.channels {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(pcm), FrameSamples*c.channels)
	}
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(Clamp(s)*32767)))
	}
	return data, nil
}

// Decode implements FrameCodec.
func (c *PCMCodec) Decode(payload []byte) ([]float32, error) {
	if len(payload)%(2*c.channels) != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes is not aligned to %d channels", len(payload), c.channels)
	}
	out := make([]float32, len(payload)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(payload[i*2:]))) / 32768
	}
	return out, nil
}

// Channels implements FrameCodec.
func (c *PCMCodec) Channels() int { return c.channels }

// Name implements FrameCodec.
func (c *PCMCodec) Name() string { return "pcm" }

// Close implements FrameCodec.
func (c *PCMCodec) Close() error { return nil }
