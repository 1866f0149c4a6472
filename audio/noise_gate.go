package audio

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultGateWindow is the lookback length of the noise gate in frames.
const DefaultGateWindow = 4096

// NoiseGateConfig configures a NoiseGate.
type NoiseGateConfig struct {
	// Activate opens a closed gate when any frame in the window exceeds it.
	Activate float32
	// Deactivate closes an open gate once every frame in the window is below it.
	Deactivate float32
	// Window is the lookback length in frames.
	Window int
	// Channels is the interleaved channel count.
	Channels int
}

// DefaultNoiseGateConfig returns thresholds tuned for speech at unity gain.
func DefaultNoiseGateConfig(channels int) NoiseGateConfig {
	return NoiseGateConfig{
		Activate:   0.03,
		Deactivate: 0.015,
		Window:     DefaultGateWindow,
		Channels:   channels,
	}
}

// NoiseGate suppresses near-silence with hysteresis.
//
// The gate keeps the peak magnitude of the most recent Window frames. A
// closed gate opens as soon as any of them exceeds Activate; an open gate
// closes only once all of them are below Deactivate. While closed it emits
// Equilibrium but still advances the window.
type NoiseGate struct {
	activate   float32
	deactivate float32
	channels   int

	ring  []float32 // peak magnitude per frame
	head  int
	fill  int
	loud  int // frames in the window with peak > activate
	alive int // frames in the window with peak >= deactivate

	open atomic.Bool
}

// NewNoiseGate validates cfg and returns a closed gate.
func NewNoiseGate(cfg NoiseGateConfig) (*NoiseGate, error) {
	if !ValidChannels(cfg.Channels) {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", cfg.Channels)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultGateWindow
	}
	if cfg.Deactivate <= 0 || cfg.Activate > 1 {
		return nil, fmt.Errorf("gate thresholds must lie in (0, 1]: activate=%f deactivate=%f", cfg.Activate, cfg.Deactivate)
	}
	if cfg.Deactivate >= cfg.Activate {
		return nil, fmt.Errorf("deactivate threshold %f must be below activate threshold %f", cfg.Deactivate, cfg.Activate)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewNoiseGate",
		"activate":   cfg.Activate,
		"deactivate": cfg.Deactivate,
		"window":     cfg.Window,
	}).Debug("Noise gate created")

	return &NoiseGate{
		activate:   cfg.Activate,
		deactivate: cfg.Deactivate,
		channels:   cfg.Channels,
		ring:       make([]float32, cfg.Window),
	}, nil
}

// Process implements AudioEffect. Samples are gated in place.
func (g *NoiseGate) Process(samples []float32) ([]float32, error) {
	if len(samples)%g.channels != 0 {
		return nil, fmt.Errorf("samples (%d) not aligned to channel count (%d)", len(samples), g.channels)
	}

	open := g.open.Load()
	for f := 0; f < len(samples); f += g.channels {
		frame := samples[f : f+g.channels]
		var peak float32
		for _, s := range frame {
			if m := float32(math.Abs(float64(s))); m > peak {
				peak = m
			}
		}
		g.push(peak)

		switch {
		case !open && g.loud > 0:
			open = true
		case open && g.alive == 0:
			open = false
		}

		if !open {
			for i := range frame {
				frame[i] = Equilibrium
			}
		}
	}

	if open != g.open.Load() {
		g.open.Store(open)
		logrus.WithFields(logrus.Fields{
			"function": "NoiseGate.Process",
			"open":     open,
		}).Debug("Noise gate changed state")
	}
	return samples, nil
}

func (g *NoiseGate) push(peak float32) {
	if g.fill == len(g.ring) {
		g.forget(g.ring[g.head])
	} else {
		g.fill++
	}
	g.ring[g.head] = peak
	g.head = (g.head + 1) % len(g.ring)

	if peak > g.activate {
		g.loud++
	}
	if peak >= g.deactivate {
		g.alive++
	}
}

func (g *NoiseGate) forget(peak float32) {
	if peak > g.activate {
		g.loud--
	}
	if peak >= g.deactivate {
		g.alive--
	}
}

// IsOpen reports whether the gate is currently passing audio.
func (g *NoiseGate) IsOpen() bool {
	return g.open.Load()
}

// Reset closes the gate and empties the window.
func (g *NoiseGate) Reset() {
	for i := range g.ring {
		g.ring[i] = 0
	}
	g.head, g.fill, g.loud, g.alive = 0, 0, 0, 0
	g.open.Store(false)
}

// GetName implements AudioEffect.
func (g *NoiseGate) GetName() string { return "noise_gate" }

// Close implements AudioEffect.
func (g *NoiseGate) Close() error { return nil }
