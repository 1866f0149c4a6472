package audio

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNoiseGateValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NoiseGateConfig
		wantErr bool
	}{
		{"default", DefaultNoiseGateConfig(1), false},
		{"stereo", DefaultNoiseGateConfig(2), false},
		{"equal thresholds", NoiseGateConfig{Activate: 0.1, Deactivate: 0.1, Channels: 1}, true},
		{"inverted thresholds", NoiseGateConfig{Activate: 0.05, Deactivate: 0.1, Channels: 1}, true},
		{"zero deactivate", NoiseGateConfig{Activate: 0.1, Deactivate: 0, Channels: 1}, true},
		{"activate above range", NoiseGateConfig{Activate: 1.5, Deactivate: 0.1, Channels: 1}, true},
		{"bad channels", NoiseGateConfig{Activate: 0.1, Deactivate: 0.05, Channels: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNoiseGate(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNoiseGateOpensAndSuppresses(t *testing.T) {
	g, err := NewNoiseGate(NoiseGateConfig{Activate: 0.2, Deactivate: 0.1, Window: 4, Channels: 1})
	require.NoError(t, err)

	out, err := g.Process([]float32{0.05, -0.15, 0.19})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, out)
	assert.False(t, g.IsOpen())

	out, err = g.Process([]float32{-0.3, 0.12})
	require.NoError(t, err)
	assert.Equal(t, []float32{-0.3, 0.12}, out)
	assert.True(t, g.IsOpen())
}

func TestNoiseGateHysteresis(t *testing.T) {
	g, err := NewNoiseGate(NoiseGateConfig{Activate: 0.5, Deactivate: 0.1, Window: 3, Channels: 1})
	require.NoError(t, err)

	// Opens on the loud frame, then a dip below activate keeps it open
	// because the window still holds frames above deactivate.
	in := []float32{0.9, 0.3, 0.2, 0.15, 0.05, 0.05, 0.04, 0.3}
	out, err := g.Process(append([]float32(nil), in...))
	require.NoError(t, err)

	want := []float32{0.9, 0.3, 0.2, 0.15, 0.05, 0.05, 0, 0}
	assert.Equal(t, want, out)
	assert.False(t, g.IsOpen())
}

// gateModel recomputes the gate from the full input history.
func gateModel(in []float32, act, deact float32, window int) []float32 {
	out := make([]float32, len(in))
	open := false
	for i := range in {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		anyLoud, allQuiet := false, true
		for _, s := range in[start : i+1] {
			m := float32(math.Abs(float64(s)))
			if m > act {
				anyLoud = true
			}
			if m >= deact {
				allQuiet = false
			}
		}
		if !open && anyLoud {
			open = true
		} else if open && allQuiet {
			open = false
		}
		if open {
			out[i] = in[i]
		}
	}
	return out
}

func TestNoiseGateMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const window = 16

	for trial := 0; trial < 50; trial++ {
		g, err := NewNoiseGate(NoiseGateConfig{Activate: 0.4, Deactivate: 0.2, Window: window, Channels: 1})
		require.NoError(t, err)

		in := make([]float32, 500)
		for i := range in {
			// Bursty input: mostly quiet, occasional loud runs.
			amp := float32(0.25)
			if rng.Intn(10) == 0 {
				amp = 1
			}
			in[i] = (rng.Float32()*2 - 1) * amp
		}
		want := gateModel(in, 0.4, 0.2, window)

		// Feed in uneven blocks; state must carry across calls.
		var got []float32
		for off := 0; off < len(in); {
			n := 1 + rng.Intn(40)
			if off+n > len(in) {
				n = len(in) - off
			}
			block := append([]float32(nil), in[off:off+n]...)
			out, err := g.Process(block)
			require.NoError(t, err)
			got = append(got, out...)
			off += n
		}
		require.Equal(t, want, got, "trial %d", trial)
	}
}

func TestNoiseGateStereoUsesFramePeak(t *testing.T) {
	g, err := NewNoiseGate(NoiseGateConfig{Activate: 0.5, Deactivate: 0.1, Window: 2, Channels: 2})
	require.NoError(t, err)

	out, err := g.Process([]float32{0.0, 0.8, 0.2, 0.0})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.0, 0.8, 0.2, 0.0}, out)

	_, err = g.Process([]float32{0.1, 0.2, 0.3})
	assert.Error(t, err)
}

func TestNoiseGateReset(t *testing.T) {
	g, err := NewNoiseGate(NoiseGateConfig{Activate: 0.5, Deactivate: 0.1, Window: 8, Channels: 1})
	require.NoError(t, err)

	_, err = g.Process([]float32{0.9})
	require.NoError(t, err)
	require.True(t, g.IsOpen())

	g.Reset()
	assert.False(t, g.IsOpen())
	out, err := g.Process([]float32{0.3})
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, out)
}
