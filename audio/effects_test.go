package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainEffect(t *testing.T) {
	tests := []struct {
		name     string
		gain     float32
		input    []float32
		expected []float32
		wantErr  bool
	}{
		{"silence", 0, []float32{0.5, -0.5}, []float32{0, 0}, false},
		{"unity", 1, []float32{0.5, -0.5}, []float32{0.5, -0.5}, false},
		{"half", 0.5, []float32{0.5, -0.5}, []float32{0.25, -0.25}, false},
		{"saturates", 4, []float32{0.5, -0.5}, []float32{1, -1}, false},
		{"negative", -0.5, nil, nil, true},
		{"too high", 5, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGainEffect(tt.gain)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.gain, g.Gain())

			out, err := g.Process(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestGainEffectSetGainKeepsPreviousOnError(t *testing.T) {
	g, err := NewGainEffect(2)
	require.NoError(t, err)
	assert.Error(t, g.SetGain(-1))
	assert.Equal(t, float32(2), g.Gain())
}

type failingEffect struct{}

func (failingEffect) Process([]float32) ([]float32, error) { return nil, errors.New("boom") }
func (failingEffect) GetName() string                      { return "failing" }
func (failingEffect) Close() error                         { return errors.New("close boom") }

func TestEffectChain(t *testing.T) {
	half, err := NewGainEffect(0.5)
	require.NoError(t, err)
	double, err := NewGainEffect(2)
	require.NoError(t, err)

	chain := NewEffectChain(half)
	chain.AddEffect(double)
	assert.Equal(t, []string{"gain", "gain"}, chain.GetEffectNames())

	out, err := chain.Process([]float32{0.3})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, out[0], 1e-6)

	chain.AddEffect(failingEffect{})
	_, err = chain.Process([]float32{0.3})
	assert.ErrorContains(t, err, "effect 2 (failing)")

	assert.Error(t, chain.Close())
	assert.Empty(t, chain.GetEffectNames())
}
