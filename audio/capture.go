package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCaptureQueue is the number of encoded frames buffered toward
	// the transport.
	DefaultCaptureQueue = 64
	// DefaultCaptureBuffer is how much raw device audio may wait for the
	// capture worker before blocks are dropped.
	DefaultCaptureBuffer = time.Second
)

// FrameSource is the producer side of the capture → transport link.
type FrameSource interface {
	Frames() <-chan *protocol.VoicePacket
}

// CaptureConfig configures a CaptureChain.
type CaptureConfig struct {
	DeviceRate     uint32 // capture device sample rate
	DeviceChannels int    // capture device channel count
	Channels       int    // encoded channel count; defaults to 1
	Codec          FrameCodec
	Gate           NoiseGateConfig // zero value selects DefaultNoiseGateConfig
	InputVolume    float32         // zero value selects unity gain
	QueueSize      int
	Buffer         time.Duration // raw audio awaiting the worker
	// Active reports whether frames should be produced; nil means always.
	// Audio keeps running through the gate while inactive, and sequence
	// numbering restarts at 0 each time Active turns true.
	Active func() bool
}

// CaptureStats counts frames leaving the capture chain.
type CaptureStats struct {
	Produced uint64
	Dropped  uint64
	Sequence uint64
	Overruns uint64 // device blocks dropped because the worker fell behind
}

// CaptureChain turns raw device blocks into encoded voice packets at the
// 10 ms cadence.
//
// Write only copies into a preallocated buffer, so it is safe on a device
// thread. Gating, framing and encoding happen in Flush, which Run calls
// from its own goroutine whenever audio arrives.
type CaptureChain struct {
	inMu  sync.Mutex
	input *sampleRing
	wake  chan struct{}

	mu             sync.Mutex
	deviceChannels int
	channels       int
	resampler      *Resampler
	gain           *GainEffect
	gate           *NoiseGate
	effects        *EffectChain
	codec          FrameCodec
	scratch        []float32
	pending        []float32
	sequence       uint64
	active         func() bool
	wasActive      bool
	closed         bool
	reported       uint64

	muted    atomic.Bool
	frames   chan *protocol.VoicePacket
	produced atomic.Uint64
	dropped  atomic.Uint64
	overruns atomic.Uint64
}

// NewCaptureChain builds the capture pipeline.
func NewCaptureChain(cfg CaptureConfig) (*CaptureChain, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if !ValidChannels(cfg.Channels) || !ValidChannels(cfg.DeviceChannels) {
		return nil, fmt.Errorf("unsupported channel layout: device=%d encode=%d", cfg.DeviceChannels, cfg.Channels)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("capture chain requires a codec")
	}
	if cfg.Codec.Channels() != cfg.Channels {
		return nil, fmt.Errorf("codec has %d channels, capture encodes %d", cfg.Codec.Channels(), cfg.Channels)
	}
	if cfg.DeviceRate == 0 {
		cfg.DeviceRate = SampleRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCaptureQueue
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultCaptureBuffer
	}
	if cfg.InputVolume == 0 {
		cfg.InputVolume = 1
	}
	if cfg.Gate == (NoiseGateConfig{}) {
		cfg.Gate = DefaultNoiseGateConfig(cfg.Channels)
	}
	cfg.Gate.Channels = cfg.Channels

	bufferFrames := int(uint64(cfg.DeviceRate) * uint64(cfg.Buffer) / uint64(time.Second))
	if bufferFrames < 1 {
		bufferFrames = 1
	}

	c := &CaptureChain{
		input:          newSampleRing(bufferFrames * cfg.DeviceChannels),
		wake:           make(chan struct{}, 1),
		deviceChannels: cfg.DeviceChannels,
		channels:       cfg.Channels,
		codec:          cfg.Codec,
		scratch:        make([]float32, 4*FrameSamples*cfg.DeviceChannels),
		pending:        make([]float32, 0, 4*FrameSamples*cfg.Channels),
		active:         cfg.Active,
		frames:         make(chan *protocol.VoicePacket, cfg.QueueSize),
	}

	if cfg.DeviceRate != SampleRate {
		r, err := NewResampler(ResamplerConfig{InputRate: cfg.DeviceRate, OutputRate: SampleRate, Channels: cfg.Channels})
		if err != nil {
			return nil, fmt.Errorf("capture resampler: %w", err)
		}
		c.resampler = r
	}

	gain, err := NewGainEffect(cfg.InputVolume)
	if err != nil {
		return nil, fmt.Errorf("input volume: %w", err)
	}
	gate, err := NewNoiseGate(cfg.Gate)
	if err != nil {
		return nil, fmt.Errorf("noise gate: %w", err)
	}
	c.gain, c.gate = gain, gate
	c.effects = NewEffectChain(gain, gate)

	logrus.WithFields(logrus.Fields{
		"function":        "NewCaptureChain",
		"device_rate":     cfg.DeviceRate,
		"device_channels": cfg.DeviceChannels,
		"channels":        cfg.Channels,
		"codec":           cfg.Codec.Name(),
		"queue_size":      cfg.QueueSize,
		"buffer":          cfg.Buffer.String(),
		"effects":         c.effects.GetEffectNames(),
	}).Info("Capture chain created")

	return c, nil
}

// Write accepts one block of interleaved device samples. It copies the
// block and returns without blocking or allocating; a block that does not
// fit in the buffer is dropped whole.
func (c *CaptureChain) Write(block []float32) error {
	if len(block)%c.deviceChannels != 0 {
		return fmt.Errorf("block of %d samples not aligned to %d channels", len(block), c.deviceChannels)
	}

	c.inMu.Lock()
	fits := c.input.free() >= len(block)
	if fits {
		c.input.write(block)
	}
	c.inMu.Unlock()

	if !fits {
		c.overruns.Add(1)
		return nil
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run processes captured audio until ctx is done.
func (c *CaptureChain) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			c.Flush()
		}
	}
}

// Flush processes every block accepted by Write so far. When the outgoing
// queue is full the newest frame is dropped.
func (c *CaptureChain) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if n := c.overruns.Load(); n != c.reported {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureChain.Flush",
			"overruns": n,
		}).Warn("Capture worker fell behind, device blocks dropped")
		c.reported = n
	}

	for {
		c.inMu.Lock()
		n := c.input.read(c.scratch)
		c.inMu.Unlock()
		if n == 0 {
			return
		}
		if err := c.process(c.scratch[:n]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CaptureChain.Flush",
				"error":    err.Error(),
			}).Warn("Dropping capture block")
		}
	}
}

// process runs one chunk of device audio through the chain. Caller holds mu.
func (c *CaptureChain) process(block []float32) error {
	samples := RemixChannels(block, c.deviceChannels, c.channels)
	if c.resampler != nil {
		var err error
		if samples, err = c.resampler.Resample(samples); err != nil {
			return fmt.Errorf("capture resample: %w", err)
		}
	}

	samples, err := c.effects.Process(samples)
	if err != nil {
		return fmt.Errorf("capture effects: %w", err)
	}

	if c.active != nil && !c.active() {
		c.wasActive = false
		c.pending = c.pending[:0]
		return nil
	}
	if !c.wasActive {
		c.wasActive = true
		c.restart()
	}

	c.pending = append(c.pending, samples...)
	frameLen := FrameSamples * c.channels
	consumed := 0
	for len(c.pending)-consumed >= frameLen {
		frame := c.pending[consumed : consumed+frameLen]
		consumed += frameLen
		if c.muted.Load() {
			continue
		}
		if err := c.emit(frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CaptureChain.process",
				"sequence": c.sequence,
				"error":    err.Error(),
			}).Warn("Dropping frame that failed to encode")
		}
	}
	c.pending = append(c.pending[:0], c.pending[consumed:]...)
	return nil
}

func (c *CaptureChain) emit(frame []float32) error {
	payload, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	pkt := &protocol.VoicePacket{
		Target:   protocol.TargetNormal,
		Sequence: c.sequence,
		Payload:  payload,
	}
	c.sequence++

	select {
	case c.frames <- pkt:
		c.produced.Add(1)
	default:
		if c.dropped.Add(1)%100 == 1 {
			logrus.WithFields(logrus.Fields{
				"function": "CaptureChain.emit",
				"sequence": pkt.Sequence,
				"dropped":  c.dropped.Load(),
			}).Warn("Outgoing voice queue full, dropping newest frame")
		}
	}
	return nil
}

// restart begins a new numbered stream. Caller holds mu.
func (c *CaptureChain) restart() {
	c.sequence = 0
	c.pending = c.pending[:0]
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// Frames implements FrameSource.
func (c *CaptureChain) Frames() <-chan *protocol.VoicePacket {
	return c.frames
}

// Reset restarts sequence numbering at 0 and discards buffered audio and
// queued frames. It is called at the start of every connection.
func (c *CaptureChain) Reset() {
	c.inMu.Lock()
	c.input.clear()
	c.inMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.restart()
	if c.resampler != nil {
		c.resampler.Reset()
	}
	c.gate.Reset()
	logrus.WithFields(logrus.Fields{
		"function": "CaptureChain.Reset",
	}).Debug("Capture chain reset")
}

// SetInputVolume changes the capture gain.
func (c *CaptureChain) SetInputVolume(volume float32) error {
	return c.gain.SetGain(volume)
}

// InputVolume returns the capture gain.
func (c *CaptureChain) InputVolume() float32 {
	return c.gain.Gain()
}

// SetMuted suppresses frame production without stopping the gate window.
func (c *CaptureChain) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted reports whether frame production is suppressed.
func (c *CaptureChain) Muted() bool {
	return c.muted.Load()
}

// GateOpen reports whether the noise gate is passing audio.
func (c *CaptureChain) GateOpen() bool {
	return c.gate.IsOpen()
}

// Stats returns frame counters.
func (c *CaptureChain) Stats() CaptureStats {
	c.mu.Lock()
	seq := c.sequence
	c.mu.Unlock()
	return CaptureStats{
		Produced: c.produced.Load(),
		Dropped:  c.dropped.Load(),
		Sequence: seq,
		Overruns: c.overruns.Load(),
	}
}

// Close releases the codec and effects. Later Flush calls do nothing.
func (c *CaptureChain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.effects.Close(); err != nil {
		return err
	}
	return c.codec.Close()
}
