package audio

import (
	"fmt"
	"sync"
)

// arrivalHistory is the number of recent sequence numbers a PeerStream keeps.
const arrivalHistory = 64

// PeerStats describes one PeerStream.
type PeerStats struct {
	Session      uint32
	Backlog      int // buffered samples at the output rate
	Decoded      uint64
	Lost         uint64 // sequence gaps
	Late         uint64 // sequence numbers at or below the last one seen
	Overflowed   uint64 // samples discarded because the backlog was full
	LastSequence uint64
	Bandwidth    string // Opus bandwidth of the latest frame; empty for PCM
	Volume       float32
	Muted        bool
}

// PeerStream is the decode and mix state of one remote session.
//
// Decoding runs outside the mixer lock under decodeMu; the backlog and
// counters are guarded by the owning Mixer's lock.
type PeerStream struct {
	session uint32

	decodeMu       sync.Mutex
	codec          FrameCodec
	resampler      *Resampler
	streamChannels int
	outChannels    int

	backlog  *sampleRing
	arrivals []uint64
	stats    PeerStats
	seen     bool
}

func newPeerStream(session uint32, cfg MixerConfig) (*PeerStream, error) {
	codec, err := cfg.CodecFactory(cfg.StreamChannels)
	if err != nil {
		return nil, fmt.Errorf("peer %d codec: %w", session, err)
	}

	ps := &PeerStream{
		session:        session,
		codec:          codec,
		streamChannels: cfg.StreamChannels,
		outChannels:    cfg.Channels,
		backlog:        newSampleRing(cfg.backlogSamples()),
		arrivals:       make([]uint64, 0, arrivalHistory),
		stats:          PeerStats{Session: session},
	}

	if cfg.DeviceRate != SampleRate {
		ps.resampler, err = NewResampler(ResamplerConfig{
			InputRate:  SampleRate,
			OutputRate: cfg.DeviceRate,
			Channels:   cfg.Channels,
		})
		if err != nil {
			_ = codec.Close()
			return nil, fmt.Errorf("peer %d resampler: %w", session, err)
		}
	}
	return ps, nil
}

// decode turns a payload into output-format samples and reports the
// bandwidth the sender encoded at, when the codec exposes one.
func (p *PeerStream) decode(payload []byte) ([]float32, string, error) {
	p.decodeMu.Lock()
	defer p.decodeMu.Unlock()

	if p.codec == nil {
		return nil, "", fmt.Errorf("peer %d stream closed", p.session)
	}
	pcm, err := p.codec.Decode(payload)
	if err != nil {
		return nil, "", err
	}
	var bandwidth string
	if oc, ok := p.codec.(*OpusCodec); ok {
		bandwidth = oc.Bandwidth().String()
	}

	pcm = RemixChannels(pcm, p.streamChannels, p.outChannels)
	if p.resampler != nil {
		pcm, err = p.resampler.Resample(pcm)
	}
	return pcm, bandwidth, err
}

// record notes an appended frame. Caller holds the mixer lock.
func (p *PeerStream) record(sequence uint64) {
	switch {
	case !p.seen:
		p.seen = true
	case sequence > p.stats.LastSequence+1:
		p.stats.Lost += sequence - p.stats.LastSequence - 1
	case sequence <= p.stats.LastSequence:
		p.stats.Late++
	}
	if sequence > p.stats.LastSequence || p.stats.Decoded == 0 {
		p.stats.LastSequence = sequence
	}
	p.stats.Decoded++

	if len(p.arrivals) == arrivalHistory {
		copy(p.arrivals, p.arrivals[1:])
		p.arrivals = p.arrivals[:arrivalHistory-1]
	}
	p.arrivals = append(p.arrivals, sequence)
}

func (p *PeerStream) close() {
	p.decodeMu.Lock()
	defer p.decodeMu.Unlock()
	if p.codec != nil {
		_ = p.codec.Close()
		p.codec = nil
	}
}
