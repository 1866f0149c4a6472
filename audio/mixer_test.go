package audio

import (
	"testing"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMixer(t *testing.T, cfg MixerConfig) *Mixer {
	t.Helper()
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	cfg.CodecFactory = PCMFactory
	m, err := NewMixer(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Clear)
	return m
}

func pcmPacket(t *testing.T, session uint32, seq uint64, v float32) *protocol.VoicePacket {
	t.Helper()
	codec, err := NewPCMCodec(1)
	require.NoError(t, err)
	payload, err := codec.Encode(constFrame(1, v))
	require.NoError(t, err)
	return &protocol.VoicePacket{Session: session, Sequence: seq, Payload: payload}
}

func TestMixerDropsUnknownPeer(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})

	err := m.Decode(pcmPacket(t, 7, 0, 0.5))
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.False(t, m.HasPeer(7))
	assert.Empty(t, m.Peers())
	assert.Equal(t, uint64(1), m.UnknownDropped())

	out := make([]float32, FrameSamples)
	m.Fill(out)
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}
}

func TestMixerSaturatesSum(t *testing.T) {
	tests := []struct {
		name  string
		value float32
		want  float32
	}{
		{"positive", 0.8, 1},
		{"negative", -0.8, -1},
		{"in range", 0.2, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMixer(t, MixerConfig{})
			require.NoError(t, m.AddPeer(1))
			require.NoError(t, m.AddPeer(2))
			require.NoError(t, m.Decode(pcmPacket(t, 1, 0, tt.value)))
			require.NoError(t, m.Decode(pcmPacket(t, 2, 0, tt.value)))

			out := make([]float32, FrameSamples)
			m.Fill(out)
			assert.InDelta(t, tt.want, out[0], 1e-3)
			assert.InDelta(t, tt.want, out[FrameSamples-1], 1e-3)
		})
	}
}

func TestMixerPadsShortBacklogWithSilence(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.5)))

	out := make([]float32, 2*FrameSamples)
	for i := range out {
		out[i] = 0.9
	}
	m.Fill(out)
	assert.InDelta(t, 0.5, out[FrameSamples-1], 1e-3)
	assert.Equal(t, float32(0), out[FrameSamples])
	assert.Equal(t, float32(0), out[len(out)-1])
}

func TestMixerPeerPreferences(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.SetPeerVolume(1, 0.5))
	assert.Error(t, m.SetPeerVolume(1, -1))

	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.8)))
	out := make([]float32, FrameSamples)
	m.Fill(out)
	assert.InDelta(t, 0.4, out[0], 1e-3)

	m.SetPeerMute(1, true)
	require.NoError(t, m.Decode(pcmPacket(t, 1, 1, 0.8)))
	m.Fill(out)
	assert.Equal(t, float32(0), out[0])

	// Preferences outlive the stream.
	m.RemovePeer(1)
	require.NoError(t, m.AddPeer(1))
	st, ok := m.PeerStats(1)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), st.Volume)
	assert.True(t, st.Muted)
	assert.Equal(t, uint64(0), st.Decoded)
}

func TestMixerOutputVolume(t *testing.T) {
	m := newTestMixer(t, MixerConfig{OutputVolume: 0.5})
	assert.Equal(t, float32(0.5), m.OutputVolume())
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.6)))

	out := make([]float32, FrameSamples)
	m.Fill(out)
	assert.InDelta(t, 0.3, out[0], 1e-3)

	assert.Error(t, m.SetOutputVolume(-0.1))
	require.NoError(t, m.SetOutputVolume(0))
	assert.Equal(t, float32(0), m.OutputVolume())
}

func TestMixerRemovePeerDiscardsBacklog(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.5)))

	m.RemovePeer(1)
	assert.False(t, m.HasPeer(1))
	_, ok := m.PeerStats(1)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Decode(pcmPacket(t, 1, 1, 0.5)), ErrUnknownPeer)

	out := make([]float32, FrameSamples)
	m.Fill(out)
	assert.Equal(t, float32(0), out[0])
}

func TestMixerBacklogOverflowDropsOldest(t *testing.T) {
	m := newTestMixer(t, MixerConfig{MaxBacklog: 20 * time.Millisecond})
	require.NoError(t, m.AddPeer(1))

	for i, v := range []float32{0.1, 0.2, 0.3} {
		require.NoError(t, m.Decode(pcmPacket(t, 1, uint64(i), v)))
	}

	st, ok := m.PeerStats(1)
	require.True(t, ok)
	assert.Equal(t, 2*FrameSamples, st.Backlog)
	assert.Equal(t, uint64(FrameSamples), st.Overflowed)

	out := make([]float32, FrameSamples)
	m.Fill(out)
	assert.InDelta(t, 0.2, out[0], 1e-3)
	m.Fill(out)
	assert.InDelta(t, 0.3, out[0], 1e-3)
}

func TestMixerSequenceAccounting(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(3))

	for _, seq := range []uint64{0, 1, 4, 3, 5} {
		require.NoError(t, m.Decode(pcmPacket(t, 3, seq, 0.1)))
	}

	st, ok := m.PeerStats(3)
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.Decoded)
	assert.Equal(t, uint64(2), st.Lost)
	assert.Equal(t, uint64(1), st.Late)
	assert.Equal(t, uint64(5), st.LastSequence)
	assert.Equal(t, []uint64{0, 1, 4, 3, 5}, m.Arrivals(3))
	assert.Nil(t, m.Arrivals(9))
}

func TestMixerMembershipCreatesStream(t *testing.T) {
	members := map[uint32]bool{5: true}
	m := newTestMixer(t, MixerConfig{Membership: func(s uint32) bool { return members[s] }})

	require.NoError(t, m.Decode(pcmPacket(t, 5, 0, 0.5)))
	assert.True(t, m.HasPeer(5))
	assert.ErrorIs(t, m.Decode(pcmPacket(t, 6, 0, 0.5)), ErrUnknownPeer)
	assert.Equal(t, []uint32{5}, m.Peers())
}

func TestMixerEffectsAndClear(t *testing.T) {
	m := newTestMixer(t, MixerConfig{Channels: 2})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.25)))

	clip := []float32{0.5, 0.5, 0.5, 0.5}
	m.PlayEffect(clip)
	m.PlayEffect(nil)

	out := make([]float32, 8)
	m.Fill(out)
	assert.InDelta(t, 0.75, out[0], 1e-3)
	assert.InDelta(t, 0.75, out[3], 1e-3)
	assert.InDelta(t, 0.25, out[4], 1e-3)

	require.NoError(t, m.SetPeerVolume(1, 2))
	m.Clear()
	assert.Empty(t, m.Peers())
	require.NoError(t, m.AddPeer(1))
	st, _ := m.PeerStats(1)
	assert.Equal(t, float32(2), st.Volume)
}

func TestMixerFillDoesNotAllocate(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.AddPeer(2))
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Decode(pcmPacket(t, 1, uint64(i), 0.1)))
		require.NoError(t, m.Decode(pcmPacket(t, 2, uint64(i), 0.1)))
	}

	out := make([]float32, FrameSamples)
	allocs := testing.AllocsPerRun(50, func() { m.Fill(out) })
	assert.Equal(t, float64(0), allocs)
}

func TestNewMixerValidation(t *testing.T) {
	_, err := NewMixer(MixerConfig{Channels: 0})
	assert.Error(t, err)
	_, err = NewMixer(MixerConfig{Channels: 1, StreamChannels: 3})
	assert.Error(t, err)
}

func TestMixerTracksOpusBandwidth(t *testing.T) {
	m, err := NewMixer(MixerConfig{Channels: 1, CodecFactory: OpusFactory})
	require.NoError(t, err)
	t.Cleanup(m.Clear)
	require.NoError(t, m.AddPeer(3))

	err = m.Decode(&protocol.VoicePacket{Session: 3, Payload: []byte{31<<3 | 3, 0}})
	assert.ErrorIs(t, err, ErrMalformedOpus)
	st, ok := m.PeerStats(3)
	require.True(t, ok)
	assert.Zero(t, st.Decoded)
	assert.Empty(t, st.Bandwidth)

	enc, err := NewOpusCodec(1, 0)
	require.NoError(t, err)
	defer enc.Close()
	payload, err := enc.Encode(constFrame(1, 0.25))
	require.NoError(t, err)
	want, err := PacketBandwidth(payload)
	require.NoError(t, err)

	require.NoError(t, m.Decode(&protocol.VoicePacket{Session: 3, Sequence: 1, Payload: payload}))
	st, ok = m.PeerStats(3)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Decoded)
	assert.Equal(t, want.String(), st.Bandwidth)
}

func TestMixerPCMStreamsHaveNoBandwidth(t *testing.T) {
	m := newTestMixer(t, MixerConfig{})
	require.NoError(t, m.AddPeer(1))
	require.NoError(t, m.Decode(pcmPacket(t, 1, 0, 0.1)))
	st, ok := m.PeerStats(1)
	require.True(t, ok)
	assert.Empty(t, st.Bandwidth)
}
