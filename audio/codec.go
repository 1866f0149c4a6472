package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

// FrameCodec encodes one frame of interleaved samples to a compressed
// payload and decodes payloads back to samples. Encoder and decoder state
// belong to a single stream; every PeerStream owns its own codec.
type FrameCodec interface {
	// Encode compresses exactly FrameSamples*Channels() samples.
	Encode(pcm []float32) ([]byte, error)
	// Decode expands one payload to interleaved samples at SampleRate.
	Decode(payload []byte) ([]float32, error)
	// Channels returns the codec's channel count.
	Channels() int
	// Name identifies the codec in logs and configuration.
	Name() string
	// Close releases codec resources.
	Close() error
}

// CodecFactory builds a fresh codec for a stream with the given channel count.
type CodecFactory func(channels int) (FrameCodec, error)

// ErrFrameSize is returned when Encode receives a buffer that is not exactly one frame.
var ErrFrameSize = errors.New("pcm buffer is not exactly one frame")

const (
	// DefaultOpusBitrate is the encoder target bitrate in bits per second.
	DefaultOpusBitrate = 40000
	// maxOpusPacket bounds one encoded frame.
	maxOpusPacket = 1275
	// maxDecodeSamples is the per-channel sample count of a 120 ms Opus frame.
	maxDecodeSamples = 5760
)

// OpusCodec wraps a gopus encoder/decoder pair for a single stream.
type OpusCodec struct {
	mu       sync.Mutex
	channels int
	bitrate  int
	encoder  *gopus.Encoder
	decoder  *gopus.Decoder
	pcm      []int16
	out      []float32
	// bandwidth of the last decoded packet
	bandwidth opus.Bandwidth
}

// NewOpusCodec creates an Opus codec at SampleRate.
func NewOpusCodec(channels, bitrate int) (*OpusCodec, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewOpusCodec",
		"channels": channels,
		"bitrate":  bitrate,
	}).Debug("Creating Opus codec")

	if !ValidChannels(channels) {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", channels)
	}
	if bitrate <= 0 {
		bitrate = DefaultOpusBitrate
	}

	return &OpusCodec{
		channels: channels,
		bitrate:  bitrate,
		pcm:      make([]int16, FrameSamples*channels),
	}, nil
}

// OpusFactory is a CodecFactory producing Opus codecs at the default bitrate.
func OpusFactory(channels int) (FrameCodec, error) {
	return NewOpusCodec(channels, DefaultOpusBitrate)
}

// Encode implements FrameCodec.
func (c *OpusCodec) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSamples*c.channels {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(pcm), FrameSamples*c.channels)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encoder == nil {
		enc, err := gopus.NewEncoder(SampleRate, c.channels, gopus.Voip)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OpusCodec.Encode",
				"error":    err.Error(),
			}).Error("Failed to create Opus encoder")
			return nil, fmt.Errorf("create opus encoder: %w", err)
		}
		enc.SetBitrate(c.bitrate)
		c.encoder = enc
	}

	c.pcm = FloatToInt16(c.pcm, pcm)
	data, err := c.encoder.Encode(c.pcm, FrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return data, nil
}

// Decode implements FrameCodec. Payloads that are not well-formed Opus
// packets are rejected before reaching the decoder.
func (c *OpusCodec) Decode(payload []byte) ([]float32, error) {
	bandwidth, err := PacketBandwidth(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decoder == nil {
		dec, err := gopus.NewDecoder(SampleRate, c.channels)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OpusCodec.Decode",
				"error":    err.Error(),
			}).Error("Failed to create Opus decoder")
			return nil, fmt.Errorf("create opus decoder: %w", err)
		}
		c.decoder = dec
	}

	pcm, err := c.decoder.Decode(payload, maxDecodeSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	c.bandwidth = bandwidth
	return Int16ToFloat(nil, pcm), nil
}

// Bandwidth returns the audio bandwidth of the last decoded packet.
func (c *OpusCodec) Bandwidth() opus.Bandwidth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bandwidth
}

// SetBitrate updates the encoder target bitrate.
func (c *OpusCodec) SetBitrate(bitrate int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bitrate = bitrate
	if c.encoder != nil {
		c.encoder.SetBitrate(bitrate)
	}
	logrus.WithFields(logrus.Fields{
		"function": "OpusCodec.SetBitrate",
		"bitrate":  bitrate,
	}).Info("Opus bitrate updated")
}

// Channels implements FrameCodec.
func (c *OpusCodec) Channels() int { return c.channels }

// Name implements FrameCodec.
func (c *OpusCodec) Name() string { return "opus" }

// Close implements FrameCodec.
func (c *OpusCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder = nil
	c.decoder = nil
	return nil
}

// ErrMalformedOpus is returned for payloads whose TOC framing is not a
// valid Opus packet.
var ErrMalformedOpus = errors.New("malformed opus packet")

// maxOpusDuration is the longest packet Opus allows, in 100 µs units.
const maxOpusDuration = 1200

// PacketBandwidth reads the audio bandwidth from an Opus packet's TOC byte
// and checks that the frame count and duration it describes are possible.
func PacketBandwidth(payload []byte) (opus.Bandwidth, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty packet", ErrMalformedOpus)
	}

	toc := payload[0]
	config := toc >> 3
	switch toc & 0x3 {
	case 1:
		if (len(payload)-1)%2 != 0 {
			return 0, fmt.Errorf("%w: uneven two-frame packet", ErrMalformedOpus)
		}
	case 2:
		if len(payload) < 2 {
			return 0, fmt.Errorf("%w: missing frame length", ErrMalformedOpus)
		}
	case 3:
		if len(payload) < 2 {
			return 0, fmt.Errorf("%w: missing frame count", ErrMalformedOpus)
		}
		count := int(payload[1] & 0x3F)
		if count == 0 || count*frameDuration(config) > maxOpusDuration {
			return 0, fmt.Errorf("%w: %d frames of config %d", ErrMalformedOpus, count, config)
		}
	}

	switch {
	case config < 4:
		return opus.BandwidthNarrowband, nil
	case config < 8:
		return opus.BandwidthMediumband, nil
	case config < 12:
		return opus.BandwidthWideband, nil
	case config < 14:
		return opus.BandwidthSuperwideband, nil
	case config < 16:
		return opus.BandwidthFullband, nil
	case config < 20:
		return opus.BandwidthNarrowband, nil
	case config < 24:
		return opus.BandwidthWideband, nil
	case config < 28:
		return opus.BandwidthSuperwideband, nil
	default:
		return opus.BandwidthFullband, nil
	}
}

// frameDuration returns the frame length of a TOC config in 100 µs units.
func frameDuration(config byte) int {
	switch {
	case config < 12: // SILK
		return [4]int{100, 200, 400, 600}[config%4]
	case config < 16: // hybrid
		return [2]int{100, 200}[config%2]
	default: // CELT
		return [4]int{25, 50, 100, 200}[config%4]
	}
}

// NewCodecFactory returns the factory for a configured codec name.
func NewCodecFactory(name string, bitrate int) (CodecFactory, error) {
	switch name {
	case "", "opus":
		return func(channels int) (FrameCodec, error) {
			return NewOpusCodec(channels, bitrate)
		}, nil
	case "pcm":
		return PCMFactory, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
