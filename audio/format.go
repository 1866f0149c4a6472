package audio

import "time"

const (
	// SampleRate is the pipeline's internal sample rate.
	SampleRate = 48000
	// FrameDuration is the capture and encode quantum.
	FrameDuration = 10 * time.Millisecond
	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / 100
	// Equilibrium is the sample value emitted for silence.
	Equilibrium float32 = 0
)

// ValidChannels reports whether the pipeline supports the channel count.
func ValidChannels(channels int) bool {
	return channels == 1 || channels == 2
}

// Clamp saturates a sample to the valid range [-1, 1].
func Clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// FloatToInt16 converts float samples to int16 PCM with saturation.
func FloatToInt16(dst []int16, src []float32) []int16 {
	if cap(dst) < len(src) {
		dst = make([]int16, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = int16(Clamp(s) * 32767)
	}
	return dst
}

// Int16ToFloat converts int16 PCM to float samples in [-1, 1].
func Int16ToFloat(dst []float32, src []int16) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = float32(s) / 32768
	}
	return dst
}

// RemixChannels converts interleaved samples between mono and stereo.
// Mono is duplicated to both channels; stereo keeps the first channel.
func RemixChannels(in []float32, from, to int) []float32 {
	if from == to {
		return in
	}
	frames := len(in) / from
	out := make([]float32, frames*to)
	for f := 0; f < frames; f++ {
		s := in[f*from]
		for c := 0; c < to; c++ {
			out[f*to+c] = s
		}
	}
	return out
}
