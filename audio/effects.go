package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// AudioEffect transforms interleaved float samples in place.
//
// Effects may be chained together. Process runs on the capture path and
// must not block.
type AudioEffect interface {
	// Process applies the effect and returns the processed samples, which
	// may alias the input.
	Process(samples []float32) ([]float32, error)

	// GetName returns a human-readable name for the effect
	GetName() string

	// Close releases any resources used by the effect
	Close() error
}

// MaxGain is the largest linear gain GainEffect accepts.
const MaxGain = 4.0

// GainEffect scales samples by a linear gain and saturates the result.
// The gain may be changed while audio is flowing.
type GainEffect struct {
	gain atomic.Uint32 // math.Float32bits of the gain
}

// NewGainEffect creates a new gain control effect.
//
// gain is a linear multiplier: 0 is silence, 1 is unity, 2 is about +6 dB.
func NewGainEffect(gain float32) (*GainEffect, error) {
	g := &GainEffect{}
	if err := g.SetGain(gain); err != nil {
		return nil, err
	}
	return g, nil
}

// SetGain updates the gain.
func (g *GainEffect) SetGain(gain float32) error {
	if gain < 0 || math.IsNaN(float64(gain)) {
		logrus.WithFields(logrus.Fields{
			"function": "GainEffect.SetGain",
			"gain":     gain,
		}).Error("Gain validation failed")
		return fmt.Errorf("gain cannot be negative: %f", gain)
	}
	if gain > MaxGain {
		logrus.WithFields(logrus.Fields{
			"function": "GainEffect.SetGain",
			"gain":     gain,
		}).Error("Gain validation failed")
		return fmt.Errorf("gain too high (max %.1f): %f", MaxGain, gain)
	}

	g.gain.Store(math.Float32bits(gain))
	logrus.WithFields(logrus.Fields{
		"function": "GainEffect.SetGain",
		"gain":     gain,
	}).Debug("Gain updated")
	return nil
}

// Gain returns the current gain.
func (g *GainEffect) Gain() float32 {
	return math.Float32frombits(g.gain.Load())
}

// Process implements AudioEffect.
func (g *GainEffect) Process(samples []float32) ([]float32, error) {
	gain := g.Gain()
	if gain == 1 {
		return samples, nil
	}
	for i, s := range samples {
		samples[i] = Clamp(s * gain)
	}
	return samples, nil
}

// GetName implements AudioEffect.
func (g *GainEffect) GetName() string { return "gain" }

// Close implements AudioEffect.
func (g *GainEffect) Close() error { return nil }

// EffectChain applies a sequence of effects in order.
type EffectChain struct {
	mu      sync.RWMutex
	effects []AudioEffect
}

// NewEffectChain creates a chain with the given effects.
func NewEffectChain(effects ...AudioEffect) *EffectChain {
	return &EffectChain{effects: effects}
}

// AddEffect appends an effect to the end of the chain.
func (e *EffectChain) AddEffect(effect AudioEffect) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.effects = append(e.effects, effect)
	logrus.WithFields(logrus.Fields{
		"function":     "EffectChain.AddEffect",
		"effect_name":  effect.GetName(),
		"effect_count": len(e.effects),
	}).Debug("Effect added to chain")
}

// Process runs samples through every effect. The first failing effect
// stops the chain.
func (e *EffectChain) Process(samples []float32) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	current := samples
	for i, effect := range e.effects {
		out, err := effect.Process(current)
		if err != nil {
			return nil, fmt.Errorf("effect %d (%s) failed: %w", i, effect.GetName(), err)
		}
		current = out
	}
	return current, nil
}

// GetEffectNames returns the names of all effects in the chain.
func (e *EffectChain) GetEffectNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.effects))
	for i, effect := range e.effects {
		names[i] = effect.GetName()
	}
	return names
}

// Close closes every effect and empties the chain.
func (e *EffectChain) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for i, effect := range e.effects {
		if err := effect.Close(); err != nil {
			errs = append(errs, fmt.Errorf("effect %d (%s) close failed: %w", i, effect.GetName(), err))
		}
	}
	e.effects = nil
	return errors.Join(errs...)
}
