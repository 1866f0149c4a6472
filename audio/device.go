package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// ErrDeviceStopped is reported when an audio device stops unexpectedly.
var ErrDeviceStopped = errors.New("audio device stopped")

// DeviceFormat describes the sample layout of a device.
type DeviceFormat struct {
	Rate     uint32
	Channels int
}

// CaptureSink receives raw capture blocks. It is called on the device thread.
type CaptureSink interface {
	Write(block []float32) error
}

// PlaybackSource fills playback buffers. It is called on the device thread.
type PlaybackSource interface {
	Fill(out []float32)
}

// Devices binds the pipeline to capture and playback hardware.
type Devices interface {
	CaptureFormat() DeviceFormat
	PlaybackFormat() DeviceFormat
	Start(capture CaptureSink, playback PlaybackSource) error
	// Faults reports device failures, which are fatal to the pipeline.
	Faults() <-chan error
	Close() error
}

// MiniaudioConfig configures the miniaudio device binding.
type MiniaudioConfig struct {
	SampleRate       uint32
	CaptureChannels  int
	PlaybackChannels int
	PeriodMillis     uint32
}

// MiniaudioDevices drives the default capture and playback devices through
// miniaudio.
type MiniaudioDevices struct {
	cfg      MiniaudioConfig
	ctx      *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device
	faults   chan error

	mu      sync.Mutex
	closing bool

	inBuf  []float32
	outBuf []float32
}

// OpenMiniaudio initializes the miniaudio context.
func OpenMiniaudio(cfg MiniaudioConfig) (*MiniaudioDevices, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = SampleRate
	}
	if cfg.CaptureChannels == 0 {
		cfg.CaptureChannels = 1
	}
	if cfg.PlaybackChannels == 0 {
		cfg.PlaybackChannels = 2
	}
	if cfg.PeriodMillis == 0 {
		cfg.PeriodMillis = uint32(FrameDuration.Milliseconds())
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logrus.WithFields(logrus.Fields{
			"function": "miniaudio",
		}).Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "OpenMiniaudio",
		"sample_rate":       cfg.SampleRate,
		"capture_channels":  cfg.CaptureChannels,
		"playback_channels": cfg.PlaybackChannels,
		"period_ms":         cfg.PeriodMillis,
	}).Info("Audio context initialized")

	return &MiniaudioDevices{
		cfg:    cfg,
		ctx:    ctx,
		faults: make(chan error, 2),
	}, nil
}

// CaptureFormat implements Devices.
func (d *MiniaudioDevices) CaptureFormat() DeviceFormat {
	return DeviceFormat{Rate: d.cfg.SampleRate, Channels: d.cfg.CaptureChannels}
}

// PlaybackFormat implements Devices.
func (d *MiniaudioDevices) PlaybackFormat() DeviceFormat {
	return DeviceFormat{Rate: d.cfg.SampleRate, Channels: d.cfg.PlaybackChannels}
}

// Start opens and starts both devices.
func (d *MiniaudioDevices) Start(capture CaptureSink, playback PlaybackSource) error {
	capCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	capCfg.Capture.Format = malgo.FormatF32
	capCfg.Capture.Channels = uint32(d.cfg.CaptureChannels)
	capCfg.SampleRate = d.cfg.SampleRate
	capCfg.PeriodSizeInMilliseconds = d.cfg.PeriodMillis

	capDev, err := malgo.InitDevice(d.ctx.Context, capCfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			d.inBuf = bytesToFloats(d.inBuf, input, int(frames)*d.cfg.CaptureChannels)
			if err := capture.Write(d.inBuf); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "MiniaudioDevices.capture",
					"error":    err.Error(),
				}).Warn("Capture block rejected")
			}
		},
		Stop: func() { d.fault("capture") },
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}

	playCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	playCfg.Playback.Format = malgo.FormatF32
	playCfg.Playback.Channels = uint32(d.cfg.PlaybackChannels)
	playCfg.SampleRate = d.cfg.SampleRate
	playCfg.PeriodSizeInMilliseconds = d.cfg.PeriodMillis

	playDev, err := malgo.InitDevice(d.ctx.Context, playCfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frames uint32) {
			n := int(frames) * d.cfg.PlaybackChannels
			if cap(d.outBuf) < n {
				d.outBuf = make([]float32, n)
			}
			buf := d.outBuf[:n]
			playback.Fill(buf)
			floatsToBytes(output, buf)
		},
		Stop: func() { d.fault("playback") },
	})
	if err != nil {
		capDev.Uninit()
		return fmt.Errorf("init playback device: %w", err)
	}

	d.capture, d.playback = capDev, playDev
	if err := capDev.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	if err := playDev.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "MiniaudioDevices.Start",
	}).Info("Audio devices started")
	return nil
}

func (d *MiniaudioDevices) fault(which string) {
	d.mu.Lock()
	closing := d.closing
	d.mu.Unlock()
	if closing {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "MiniaudioDevices.fault",
		"device":   which,
	}).Error("Audio device stopped unexpectedly")
	select {
	case d.faults <- fmt.Errorf("%s: %w", which, ErrDeviceStopped):
	default:
	}
}

// Faults implements Devices.
func (d *MiniaudioDevices) Faults() <-chan error {
	return d.faults
}

// Close stops both devices and frees the context.
func (d *MiniaudioDevices) Close() error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	if d.capture != nil {
		d.capture.Uninit()
	}
	if d.playback != nil {
		d.playback.Uninit()
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

func bytesToFloats(dst []float32, src []byte, n int) []float32 {
	if n > len(src)/4 {
		n = len(src) / 4
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return dst
}

func floatsToBytes(dst []byte, src []float32) {
	for i, s := range src {
		if i*4+4 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
