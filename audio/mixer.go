package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultMaxBacklog bounds each peer's buffered audio.
const DefaultMaxBacklog = 500 * time.Millisecond

// ErrUnknownPeer is returned by Decode for a session with no PeerStream.
var ErrUnknownPeer = errors.New("voice frame for unknown session")

// VoiceSink consumes received voice packets.
type VoiceSink interface {
	Decode(pkt *protocol.VoicePacket) error
}

// MixerConfig configures a Mixer.
type MixerConfig struct {
	Channels       int    // output device channels
	DeviceRate     uint32 // output device rate; defaults to SampleRate
	StreamChannels int    // channels of received streams; defaults to 1
	CodecFactory   CodecFactory
	MaxBacklog     time.Duration
	OutputVolume   float32 // zero value selects unity

	// Membership, when set, lets a frame from a member without a stream
	// create one. Frames from non-members are always dropped.
	Membership func(session uint32) bool
}

func (c MixerConfig) backlogSamples() int {
	rate := c.DeviceRate
	return int(time.Duration(rate)*c.MaxBacklog/time.Second) * c.Channels
}

type peerPrefs struct {
	volume float32
	muted  bool
}

// Mixer sums every PeerStream and queued sound effects into the output
// device buffer.
type Mixer struct {
	cfg MixerConfig

	mu           sync.Mutex
	peers        map[uint32]*PeerStream
	prefs        map[uint32]peerPrefs
	effects      [][]float32
	effectOffset int
	outputVolume float32
	unknown      uint64
}

// NewMixer creates an empty mixer.
func NewMixer(cfg MixerConfig) (*Mixer, error) {
	if !ValidChannels(cfg.Channels) {
		return nil, fmt.Errorf("unsupported output channel count: %d (must be 1 or 2)", cfg.Channels)
	}
	if cfg.StreamChannels == 0 {
		cfg.StreamChannels = 1
	}
	if !ValidChannels(cfg.StreamChannels) {
		return nil, fmt.Errorf("unsupported stream channel count: %d (must be 1 or 2)", cfg.StreamChannels)
	}
	if cfg.CodecFactory == nil {
		cfg.CodecFactory = OpusFactory
	}
	if cfg.DeviceRate == 0 {
		cfg.DeviceRate = SampleRate
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultMaxBacklog
	}
	if cfg.OutputVolume == 0 {
		cfg.OutputVolume = 1
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewMixer",
		"channels":        cfg.Channels,
		"device_rate":     cfg.DeviceRate,
		"stream_channels": cfg.StreamChannels,
		"max_backlog":     cfg.MaxBacklog,
	}).Info("Playback mixer created")

	return &Mixer{
		cfg:          cfg,
		peers:        make(map[uint32]*PeerStream),
		prefs:        make(map[uint32]peerPrefs),
		outputVolume: cfg.OutputVolume,
	}, nil
}

// AddPeer creates the PeerStream for session. Adding an existing peer is a no-op.
func (m *Mixer) AddPeer(session uint32) error {
	m.mu.Lock()
	if _, ok := m.peers[session]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ps, err := newPeerStream(session, m.cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.peers[session]; ok {
		m.mu.Unlock()
		ps.close()
		return nil
	}
	m.peers[session] = ps
	count := len(m.peers)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Mixer.AddPeer",
		"session":  session,
		"peers":    count,
	}).Info("Peer stream created")
	return nil
}

// RemovePeer destroys the PeerStream for session, discarding its backlog.
func (m *Mixer) RemovePeer(session uint32) {
	m.mu.Lock()
	ps, ok := m.peers[session]
	if ok {
		delete(m.peers, session)
		ps.backlog.clear()
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	ps.close()
	logrus.WithFields(logrus.Fields{
		"function": "Mixer.RemovePeer",
		"session":  session,
	}).Info("Peer stream removed")
}

// HasPeer reports whether session has a PeerStream.
func (m *Mixer) HasPeer(session uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[session]
	return ok
}

// Peers returns the sessions with a PeerStream in ascending order.
func (m *Mixer) Peers() []uint32 {
	m.mu.Lock()
	out := make([]uint32, 0, len(m.peers))
	for s := range m.peers {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear removes every PeerStream and queued sound effect. Per-peer volume
// and mute preferences are kept.
func (m *Mixer) Clear() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[uint32]*PeerStream)
	m.effects = nil
	m.effectOffset = 0
	m.mu.Unlock()

	for _, ps := range peers {
		ps.close()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Mixer.Clear",
		"removed":  len(peers),
	}).Debug("Playback mixer cleared")
}

// Decode implements VoiceSink. It decodes pkt for its session and appends
// the samples to that peer's backlog.
func (m *Mixer) Decode(pkt *protocol.VoicePacket) error {
	m.mu.Lock()
	ps := m.peers[pkt.Session]
	m.mu.Unlock()

	if ps == nil {
		if m.cfg.Membership == nil || !m.cfg.Membership(pkt.Session) {
			m.mu.Lock()
			m.unknown++
			m.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Mixer.Decode",
				"session":  pkt.Session,
				"sequence": pkt.Sequence,
			}).Warn("Dropping voice frame for unknown session")
			return fmt.Errorf("%w: %d", ErrUnknownPeer, pkt.Session)
		}
		if err := m.AddPeer(pkt.Session); err != nil {
			return err
		}
		m.mu.Lock()
		ps = m.peers[pkt.Session]
		m.mu.Unlock()
		if ps == nil {
			return fmt.Errorf("%w: %d", ErrUnknownPeer, pkt.Session)
		}
	}

	samples, bandwidth, err := ps.decode(pkt.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mixer.Decode",
			"session":  pkt.Session,
			"sequence": pkt.Sequence,
			"error":    err.Error(),
		}).Warn("Dropping undecodable voice frame")
		return fmt.Errorf("decode frame from %d: %w", pkt.Session, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The peer may have been removed while decoding.
	if m.peers[pkt.Session] != ps {
		return nil
	}
	ps.stats.Overflowed += uint64(ps.backlog.write(samples))
	ps.stats.Bandwidth = bandwidth
	ps.record(pkt.Sequence)
	return nil
}

// Fill mixes every stream into out, which is fully overwritten. Peers with
// too little backlog contribute what they have; the rest is silence. Fill
// never blocks on the network and does not allocate.
func (m *Mixer) Fill(out []float32) {
	for i := range out {
		out[i] = 0
	}

	m.mu.Lock()
	for session, ps := range m.peers {
		gain := float32(1)
		if p, ok := m.prefs[session]; ok {
			gain = p.volume
			if p.muted {
				gain = 0
			}
		}
		ps.backlog.mixInto(out, gain)
	}
	m.mixEffects(out)
	volume := m.outputVolume
	m.mu.Unlock()

	for i, s := range out {
		out[i] = Clamp(s * volume)
	}
}

// mixEffects adds queued sound effects at unity gain. Caller holds mu.
func (m *Mixer) mixEffects(out []float32) {
	pos := 0
	for pos < len(out) && len(m.effects) > 0 {
		clip := m.effects[0][m.effectOffset:]
		n := len(out) - pos
		if n > len(clip) {
			n = len(clip)
		}
		for i := 0; i < n; i++ {
			out[pos+i] += clip[i]
		}
		pos += n
		m.effectOffset += n
		if m.effectOffset >= len(m.effects[0]) {
			m.effects[0] = nil
			m.effects = m.effects[1:]
			m.effectOffset = 0
		}
	}
}

// PlayEffect queues samples, already in the output format, behind any
// effect still playing.
func (m *Mixer) PlayEffect(samples []float32) {
	if len(samples) == 0 {
		return
	}
	m.mu.Lock()
	m.effects = append(m.effects, samples)
	m.mu.Unlock()
}

// SetPeerVolume sets the playback gain for session. The preference
// outlives the PeerStream.
func (m *Mixer) SetPeerVolume(session uint32, volume float32) error {
	if volume < 0 {
		return fmt.Errorf("volume cannot be negative: %f", volume)
	}
	m.mu.Lock()
	p := m.prefsFor(session)
	p.volume = volume
	m.prefs[session] = p
	m.mu.Unlock()
	return nil
}

// SetPeerMute mutes or unmutes session.
func (m *Mixer) SetPeerMute(session uint32, muted bool) {
	m.mu.Lock()
	p := m.prefsFor(session)
	p.muted = muted
	m.prefs[session] = p
	m.mu.Unlock()
}

func (m *Mixer) prefsFor(session uint32) peerPrefs {
	if p, ok := m.prefs[session]; ok {
		return p
	}
	return peerPrefs{volume: 1}
}

// SetOutputVolume sets the master gain applied before clamping.
func (m *Mixer) SetOutputVolume(volume float32) error {
	if volume < 0 {
		return fmt.Errorf("volume cannot be negative: %f", volume)
	}
	m.mu.Lock()
	m.outputVolume = volume
	m.mu.Unlock()
	return nil
}

// OutputVolume returns the master gain.
func (m *Mixer) OutputVolume() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputVolume
}

// PeerStats returns the state of session's stream.
func (m *Mixer) PeerStats(session uint32) (PeerStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[session]
	if !ok {
		return PeerStats{}, false
	}
	st := ps.stats
	st.Backlog = ps.backlog.len()
	p := m.prefsFor(session)
	st.Volume, st.Muted = p.volume, p.muted
	return st, true
}

// Arrivals returns the sequence numbers of session's most recent frames
// in arrival order.
func (m *Mixer) Arrivals(session uint32) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[session]
	if !ok {
		return nil
	}
	return append([]uint64(nil), ps.arrivals...)
}

// UnknownDropped returns how many frames were dropped for unknown sessions.
func (m *Mixer) UnknownDropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unknown
}

// Channels returns the output channel count.
func (m *Mixer) Channels() int { return m.cfg.Channels }
