// Package voicecore is the client side of a voice chat daemon: it captures
// and encodes microphone audio, carries it to a server over UDP with an
// automatic fallback through the control connection, and mixes the voices
// of everyone else for playback.
//
// Example:
//
//	options := voicecore.NewOptions()
//	options.Config = cfg
//
//	client, err := voicecore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnPhase(func(from, to phase.Phase) {
//	    fmt.Printf("%s -> %s\n", from, to)
//	})
//
//	// Bind the pipeline to audio hardware.
//	err = devices.Start(client.Capture(), client.Playback())
//
//	err = client.Connect(ctx, "voice.example.org", config.DefaultPort, "alice")
package voicecore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/crypto"
	"github.com/opd-ai/voicecore/phase"
	"github.com/sirupsen/logrus"
)

// Options contains configuration options for creating a Client.
type Options struct {
	// Config supplies volumes, gate thresholds, codec and sound effects.
	Config *config.Config
	// CaptureFormat is the microphone layout fed to Capture().
	CaptureFormat audio.DeviceFormat
	// PlaybackFormat is the speaker layout filled by Playback().
	PlaybackFormat audio.DeviceFormat
	// CodecFactory overrides Config.Audio.Codec when set.
	CodecFactory audio.CodecFactory
	// PingInterval is the primary path liveness cadence.
	PingInterval time.Duration
	// MaxBacklog bounds each peer's decoded playback backlog.
	MaxBacklog time.Duration
	// SyncTimeout bounds how long Connect waits for the server to finish
	// synchronizing.
	SyncTimeout time.Duration
}

// DefaultSyncTimeout is the default Options.SyncTimeout.
const DefaultSyncTimeout = 10 * time.Second

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Config:         config.Default(),
		CaptureFormat:  audio.DeviceFormat{Rate: audio.SampleRate, Channels: 1},
		PlaybackFormat: audio.DeviceFormat{Rate: audio.SampleRate, Channels: 2},
		PingInterval:   time.Second,
		MaxBacklog:     audio.DefaultMaxBacklog,
		SyncTimeout:    DefaultSyncTimeout,
	}
}

// PhaseCallback observes connection phase changes.
type PhaseCallback func(from, to phase.Phase)

// UserCallback observes peers joining and leaving the server.
type UserCallback func(session uint32, name string, joined bool)

// Client owns the audio pipeline and at most one server connection.
type Client struct {
	options *Options

	phase   *phase.Machine
	crypto  *crypto.Channel
	capture *audio.CaptureChain
	mixer   *audio.Mixer
	effects atomic.Pointer[audio.SoundEffects]

	connMu sync.Mutex
	conn   *connection

	membersMu sync.RWMutex
	members   map[uint32]string
	session   atomic.Uint32

	callbackMu    sync.RWMutex
	phaseCallback PhaseCallback
	userCallback  UserCallback

	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds the capture chain and mixer. No connection is made until
// Connect.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	defaults := NewOptions()
	if options.Config == nil {
		options.Config = defaults.Config
	}
	if options.CaptureFormat == (audio.DeviceFormat{}) {
		options.CaptureFormat = defaults.CaptureFormat
	}
	if options.PlaybackFormat == (audio.DeviceFormat{}) {
		options.PlaybackFormat = defaults.PlaybackFormat
	}
	if options.PingInterval <= 0 {
		options.PingInterval = defaults.PingInterval
	}
	if options.SyncTimeout <= 0 {
		options.SyncTimeout = defaults.SyncTimeout
	}
	if err := config.Validate(options.Config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := options.CodecFactory
	if factory == nil {
		var err error
		factory, err = audio.NewCodecFactory(options.Config.Audio.Codec, options.Config.Audio.Bitrate)
		if err != nil {
			return nil, err
		}
	}

	codec, err := factory(1)
	if err != nil {
		return nil, fmt.Errorf("capture codec: %w", err)
	}
	machine := phase.NewMachine()
	capture, err := audio.NewCaptureChain(audio.CaptureConfig{
		DeviceRate:     options.CaptureFormat.Rate,
		DeviceChannels: options.CaptureFormat.Channels,
		Channels:       1,
		Codec:          codec,
		Gate:           options.Config.Audio.NoiseGate(1),
		Active:         func() bool { return phase.IsConnected(machine.Current()) },
	})
	if err != nil {
		codec.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		options: options,
		phase:   machine,
		crypto:  crypto.NewChannel(),
		capture: capture,
		members: make(map[uint32]string),
		cancel:  cancel,
	}

	c.mixer, err = audio.NewMixer(audio.MixerConfig{
		Channels:     options.PlaybackFormat.Channels,
		DeviceRate:   options.PlaybackFormat.Rate,
		CodecFactory: factory,
		MaxBacklog:   options.MaxBacklog,
		Membership:   c.isMember,
	})
	if err != nil {
		cancel()
		capture.Close()
		return nil, err
	}

	if err := c.ApplyConfig(options.Config); err != nil {
		cancel()
		capture.Close()
		return nil, err
	}

	go c.watchPhase(c.phase.Subscribe(ctx))
	go func() { _ = capture.Run(ctx) }()

	logrus.WithFields(logrus.Fields{
		"function":          "New",
		"capture_rate":      options.CaptureFormat.Rate,
		"capture_channels":  options.CaptureFormat.Channels,
		"playback_rate":     options.PlaybackFormat.Rate,
		"playback_channels": options.PlaybackFormat.Channels,
	}).Info("Voice client created")
	return c, nil
}

func (c *Client) watchPhase(transitions <-chan phase.Transition) {
	for t := range transitions {
		c.callbackMu.RLock()
		cb := c.phaseCallback
		c.callbackMu.RUnlock()
		if cb != nil {
			cb(t.From, t.To)
		}
	}
}

// OnPhase sets the callback for connection phase changes.
func (c *Client) OnPhase(callback PhaseCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.phaseCallback = callback
}

// OnUser sets the callback for peers joining and leaving.
func (c *Client) OnUser(callback UserCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.userCallback = callback
}

func (c *Client) notifyUser(session uint32, name string, joined bool) {
	c.callbackMu.RLock()
	cb := c.userCallback
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(session, name, joined)
	}
}

// Capture returns the sink for raw microphone blocks.
func (c *Client) Capture() audio.CaptureSink {
	return c.capture
}

// Playback returns the source that fills speaker buffers.
func (c *Client) Playback() audio.PlaybackSource {
	return c.mixer
}

// Phase returns the current connection phase.
func (c *Client) Phase() phase.Phase {
	return c.phase.Current()
}

// WaitForPhase blocks until the connection phase satisfies cond.
func (c *Client) WaitForPhase(ctx context.Context, cond phase.Condition) (phase.Phase, error) {
	return phase.WaitFor(ctx, c.phase, cond)
}

// Close disconnects and releases the audio pipeline.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if derr := c.Disconnect(); derr != nil && !errors.Is(derr, ErrNotConnected) {
			err = derr
		}
		c.cancel()
		c.mixer.Clear()
		err = errors.Join(err, c.capture.Close())
		logrus.WithFields(logrus.Fields{
			"function": "Client.Close",
		}).Info("Voice client closed")
	})
	return err
}

func (c *Client) isMember(session uint32) bool {
	c.membersMu.RLock()
	defer c.membersMu.RUnlock()
	_, ok := c.members[session]
	return ok
}

func (c *Client) clearMembers() {
	c.membersMu.Lock()
	c.members = make(map[uint32]string)
	c.membersMu.Unlock()
}
