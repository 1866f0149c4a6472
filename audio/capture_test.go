package audio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCapture(t *testing.T, cfg CaptureConfig) *CaptureChain {
	t.Helper()
	codec, err := NewPCMCodec(1)
	require.NoError(t, err)
	if cfg.DeviceChannels == 0 {
		cfg.DeviceChannels = 1
	}
	cfg.Codec = codec
	c, err := NewCaptureChain(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// feed writes blocks and processes them synchronously.
func feed(t *testing.T, c *CaptureChain, blocks ...[]float32) {
	t.Helper()
	for _, b := range blocks {
		require.NoError(t, c.Write(b))
	}
	c.Flush()
}

func drainFrames(c *CaptureChain) []*protocol.VoicePacket {
	var out []*protocol.VoicePacket
	for {
		select {
		case pkt := <-c.Frames():
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func TestCaptureChainSequencing(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{})

	// Uneven blocks must still produce whole frames.
	block := constFrame(1, 0.5)
	feed(t, c, block[:300])
	feed(t, c, append(block[300:], constFrame(1, 0.5)...), constFrame(1, 0.5))
	feed(t, c, append(constFrame(1, 0.5), constFrame(1, 0.5)...))

	frames := drainFrames(c)
	require.Len(t, frames, 5)
	for i, pkt := range frames {
		assert.Equal(t, uint64(i), pkt.Sequence)
		assert.Equal(t, protocol.TargetNormal, pkt.Target)
		assert.Len(t, pkt.Payload, FrameSamples*2)
	}
	assert.True(t, c.GateOpen())

	st := c.Stats()
	assert.Equal(t, uint64(5), st.Produced)
	assert.Equal(t, uint64(0), st.Dropped)
	assert.Equal(t, uint64(5), st.Sequence)
}

func TestCaptureChainDropsNewestWhenQueueFull(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{QueueSize: 2})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Write(constFrame(1, 0.5)))
	}
	c.Flush()

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Produced)
	assert.Equal(t, uint64(3), st.Dropped)

	frames := drainFrames(c)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0), frames[0].Sequence)
	assert.Equal(t, uint64(1), frames[1].Sequence)
}

func TestCaptureChainResetRestartsSequence(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{})

	feed(t, c, constFrame(1, 0.5), constFrame(1, 0.5), constFrame(1, 0.5), make([]float32, 100))
	require.NoError(t, c.Write(constFrame(1, 0.5)), "unprocessed audio is discarded too")

	c.Reset()
	c.Flush()
	assert.Empty(t, drainFrames(c))
	assert.Equal(t, uint64(0), c.Stats().Sequence)

	feed(t, c, constFrame(1, 0.5))
	frames := drainFrames(c)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0), frames[0].Sequence)
}

func TestCaptureChainMute(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{})

	c.SetMuted(true)
	assert.True(t, c.Muted())
	feed(t, c, constFrame(1, 0.5))
	assert.Empty(t, drainFrames(c))

	c.SetMuted(false)
	feed(t, c, constFrame(1, 0.5))
	frames := drainFrames(c)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0), frames[0].Sequence)
}

func TestCaptureChainInputVolume(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{InputVolume: 0.5})
	assert.Equal(t, float32(0.5), c.InputVolume())

	feed(t, c, constFrame(1, 0.8))
	frames := drainFrames(c)
	require.Len(t, frames, 1)

	codec, err := NewPCMCodec(1)
	require.NoError(t, err)
	pcm, err := codec.Decode(frames[0].Payload)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, pcm[0], 1e-3)

	assert.Error(t, c.SetInputVolume(-1))
	require.NoError(t, c.SetInputVolume(1))
	assert.Equal(t, float32(1), c.InputVolume())
}

func TestCaptureChainDoesNotModifyInput(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{InputVolume: 2})
	block := constFrame(1, 0.25)
	feed(t, c, block)
	assert.Equal(t, float32(0.25), block[0])
}

func TestCaptureChainResamplesDeviceRate(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{DeviceRate: 44100, DeviceChannels: 2})

	block := make([]float32, 4410*2)
	for i := range block {
		block[i] = 0.5
	}
	feed(t, c, block)

	n := len(drainFrames(c))
	assert.GreaterOrEqual(t, n, 9)
	assert.LessOrEqual(t, n, 10)
}

func TestCaptureWriteDoesNotAllocate(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{})
	block := constFrame(1, 0.5)

	allocs := testing.AllocsPerRun(50, func() { _ = c.Write(block) })
	assert.Equal(t, float64(0), allocs)
	assert.Zero(t, c.Stats().Produced, "Write only buffers")

	c.Flush()
	assert.NotEmpty(t, drainFrames(c))
	assert.Zero(t, c.Stats().Overruns)
}

func TestCaptureChainDropsBlocksWhenBufferFull(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{Buffer: 10 * time.Millisecond})

	require.NoError(t, c.Write(constFrame(1, 0.5)))
	require.NoError(t, c.Write(constFrame(1, 0.5)))
	assert.Equal(t, uint64(1), c.Stats().Overruns)

	c.Flush()
	assert.Len(t, drainFrames(c), 1)

	require.NoError(t, c.Write(constFrame(1, 0.5)), "room again after the worker drained")
	assert.Equal(t, uint64(1), c.Stats().Overruns)
}

func TestCaptureChainOnlyProducesWhileActive(t *testing.T) {
	var active atomic.Bool
	c := newTestCapture(t, CaptureConfig{Active: active.Load})

	feed(t, c, constFrame(1, 0.5), constFrame(1, 0.5), constFrame(1, 0.5))
	assert.Empty(t, drainFrames(c))
	assert.Equal(t, CaptureStats{}, c.Stats())
	assert.True(t, c.GateOpen(), "the gate keeps listening while inactive")

	active.Store(true)
	feed(t, c, constFrame(1, 0.5), constFrame(1, 0.5))
	frames := drainFrames(c)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0), frames[0].Sequence)
	assert.Equal(t, uint64(1), frames[1].Sequence)

	active.Store(false)
	feed(t, c, constFrame(1, 0.5))
	assert.Empty(t, drainFrames(c))

	active.Store(true)
	feed(t, c, constFrame(1, 0.5))
	frames = drainFrames(c)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0), frames[0].Sequence, "numbering restarts on activation")
}

func TestCaptureChainRun(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Write(constFrame(1, 0.5)))
	select {
	case pkt := <-c.Frames():
		assert.Equal(t, uint64(0), pkt.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("worker produced no frame")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCaptureChainRejectsMisalignedBlock(t *testing.T) {
	c := newTestCapture(t, CaptureConfig{DeviceChannels: 2})
	assert.Error(t, c.Write(make([]float32, 3)))
}

func TestNewCaptureChainValidation(t *testing.T) {
	mono, err := NewPCMCodec(1)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  CaptureConfig
	}{
		{"no codec", CaptureConfig{DeviceChannels: 1}},
		{"bad device channels", CaptureConfig{DeviceChannels: 6, Codec: mono}},
		{"codec channel mismatch", CaptureConfig{DeviceChannels: 1, Channels: 2, Codec: mono}},
		{"bad gate", CaptureConfig{DeviceChannels: 1, Codec: mono, Gate: NoiseGateConfig{Activate: 0.1, Deactivate: 0.2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCaptureChain(tt.cfg)
			assert.Error(t, err)
		})
	}
}
