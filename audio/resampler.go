package audio

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Resampler converts interleaved float samples between sample rates with
// linear interpolation.
//
// It is streaming: fractional position and the last input frame carry over
// between calls, so consecutive blocks resample as one continuous signal.
// Output lags input by one frame. Converting N frames from rate R1 to R2
// yields round(N*R2/R1) ± 1 frames per call.
type Resampler struct {
	inputRate  uint32
	outputRate uint32
	channels   int
	step       float64   // input frames advanced per output frame
	position   float64   // position of the next output frame in the current block
	last       []float32 // previous block's final frame
	primed     bool
}

// ResamplerConfig holds configuration for creating a resampler.
type ResamplerConfig struct {
	InputRate  uint32 // Input sample rate in Hz
	OutputRate uint32 // Output sample rate in Hz
	Channels   int    // Number of audio channels (1=mono, 2=stereo)
}

// NewResampler creates a new audio resampler instance.
func NewResampler(config ResamplerConfig) (*Resampler, error) {
	if config.InputRate == 0 || config.OutputRate == 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "NewResampler",
			"input_rate":  config.InputRate,
			"output_rate": config.OutputRate,
		}).Error("Sample rate validation failed")
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", config.InputRate, config.OutputRate)
	}
	if !ValidChannels(config.Channels) {
		logrus.WithFields(logrus.Fields{
			"function": "NewResampler",
			"channels": config.Channels,
		}).Error("Channel count validation failed")
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", config.Channels)
	}

	r := &Resampler{
		inputRate:  config.InputRate,
		outputRate: config.OutputRate,
		channels:   config.Channels,
		step:       float64(config.InputRate) / float64(config.OutputRate),
		last:       make([]float32, config.Channels),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewResampler",
		"input_rate":  r.inputRate,
		"output_rate": r.outputRate,
		"channels":    r.channels,
	}).Debug("Audio resampler created")

	return r, nil
}

// Passthrough reports whether input and output rates are identical.
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample converts one block of interleaved samples.
func (r *Resampler) Resample(input []float32) ([]float32, error) {
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("input samples (%d) not aligned to channel count (%d)", len(input), r.channels)
	}
	if len(input) == 0 {
		return nil, nil
	}
	if r.Passthrough() {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	frames := len(input) / r.channels
	if !r.primed {
		copy(r.last, input[:r.channels])
		r.primed = true
	}

	count := int(math.Ceil((float64(frames) - r.position) / r.step))
	if count < 0 {
		count = 0
	}
	output := make([]float32, count*r.channels)

	for k := 0; k < count; k++ {
		t := r.position + float64(k)*r.step
		idx := int(t)
		frac := float32(t - float64(idx))
		for ch := 0; ch < r.channels; ch++ {
			// Interpolate between input[idx-1] and input[idx]; idx-1 == -1 is the carried frame.
			var a float32
			if idx == 0 {
				a = r.last[ch]
			} else {
				a = input[(idx-1)*r.channels+ch]
			}
			b := input[idx*r.channels+ch]
			output[k*r.channels+ch] = a + (b-a)*frac
		}
	}

	r.position += float64(count)*r.step - float64(frames)
	copy(r.last, input[len(input)-r.channels:])

	return output, nil
}

// CalculateOutputSize estimates the sample count produced for inputSize samples.
func (r *Resampler) CalculateOutputSize(inputSize int) int {
	if r.Passthrough() {
		return inputSize
	}
	frames := inputSize / r.channels
	return int(math.Round(float64(frames)/r.step)) * r.channels
}

// Reset clears carried state so the next block starts a new signal.
func (r *Resampler) Reset() {
	r.position = 0
	r.primed = false
	for i := range r.last {
		r.last[i] = 0
	}
}

// InputRate returns the input sample rate.
func (r *Resampler) InputRate() uint32 { return r.inputRate }

// OutputRate returns the output sample rate.
func (r *Resampler) OutputRate() uint32 { return r.outputRate }

// ResampleOnce converts a complete clip in one call.
func ResampleOnce(input []float32, channels int, from, to uint32) ([]float32, error) {
	r, err := NewResampler(ResamplerConfig{InputRate: from, OutputRate: to, Channels: channels})
	if err != nil {
		return nil, err
	}
	return r.Resample(input)
}
