package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/jfreymuth/oggvorbis"
	"github.com/sirupsen/logrus"
)

// NotificationEvent names a moment that can trigger a sound effect.
type NotificationEvent int

const (
	ServerConnect NotificationEvent = iota
	ServerDisconnect
	UserConnected
	UserDisconnected
	UserJoinedChannel
	UserLeftChannel
	Mute
	Unmute
	Deafen
	Undeafen
)

var eventNames = [...]string{
	ServerConnect:     "server_connect",
	ServerDisconnect:  "server_disconnect",
	UserConnected:     "user_connected",
	UserDisconnected:  "user_disconnected",
	UserJoinedChannel: "user_joined_channel",
	UserLeftChannel:   "user_left_channel",
	Mute:              "mute",
	Unmute:            "unmute",
	Deafen:            "deafen",
	Undeafen:          "undeafen",
}

// AllNotificationEvents lists every event in declaration order.
func AllNotificationEvents() []NotificationEvent {
	events := make([]NotificationEvent, len(eventNames))
	for i := range eventNames {
		events[i] = NotificationEvent(i)
	}
	return events
}

// String returns the configuration name of the event.
func (e NotificationEvent) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("NotificationEvent(%d)", int(e))
	}
	return eventNames[e]
}

// ParseNotificationEvent parses a configuration event name.
func ParseNotificationEvent(name string) (NotificationEvent, error) {
	for i, n := range eventNames {
		if n == name {
			return NotificationEvent(i), nil
		}
	}
	return 0, fmt.Errorf("unknown notification event %q", name)
}

// EffectOverride replaces the built-in sound for one event.
type EffectOverride struct {
	Event string
	File  string
}

// SoundEffects holds one decoded clip per event in the mixer's output format.
type SoundEffects struct {
	clips map[NotificationEvent][]float32
}

// LoadSoundEffects decodes overrides and fills every other event with the
// built-in tone. Unknown event names are skipped; unreadable files fall back
// to the built-in tone. Clips are converted to channels at rate.
func LoadSoundEffects(overrides []EffectOverride, channels int, rate uint32) (*SoundEffects, error) {
	if !ValidChannels(channels) {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", channels)
	}

	files := make(map[NotificationEvent]string)
	for _, o := range overrides {
		event, err := ParseNotificationEvent(o.Event)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LoadSoundEffects",
				"event":    o.Event,
			}).Warn("Unknown notification event")
			continue
		}
		files[event] = o.File
	}

	fallback, err := fallbackTone(channels, rate)
	if err != nil {
		return nil, err
	}

	sfx := &SoundEffects{clips: make(map[NotificationEvent][]float32, len(eventNames))}
	for _, event := range AllNotificationEvents() {
		path, ok := files[event]
		if !ok {
			sfx.clips[event] = fallback
			continue
		}
		clip, err := LoadClip(path, channels, rate)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LoadSoundEffects",
				"event":    event.String(),
				"file":     path,
				"error":    err.Error(),
			}).Warn("Falling back to built-in sound effect")
			sfx.clips[event] = fallback
			continue
		}
		sfx.clips[event] = clip
	}

	logrus.WithFields(logrus.Fields{
		"function":  "LoadSoundEffects",
		"overrides": len(files),
		"channels":  channels,
		"rate":      rate,
	}).Info("Sound effects loaded")
	return sfx, nil
}

// Samples returns the clip for event. The slice must not be modified.
func (s *SoundEffects) Samples(event NotificationEvent) []float32 {
	return s.clips[event]
}

// LoadClip decodes a WAV or Ogg Vorbis file and converts it to channels at
// rate.
func LoadClip(path string, channels int, rate uint32) ([]float32, error) {
	var decode func(io.Reader) ([]float32, int, uint32, error)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		decode = decodeWAV
	case ".ogg", ".oga":
		decode = decodeVorbis
	default:
		return nil, fmt.Errorf("unsupported sound file type %q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sound file: %w", err)
	}
	defer f.Close()

	samples, fileChannels, fileRate, err := decode(f)
	if err != nil {
		return nil, err
	}
	if !ValidChannels(fileChannels) {
		return nil, fmt.Errorf("only mono and stereo sound files are supported, got %d channels", fileChannels)
	}
	if fileRate == 0 {
		return nil, errors.New("sound file has no sample rate")
	}
	samples = samples[:len(samples)-len(samples)%fileChannels]

	samples = RemixChannels(samples, fileChannels, channels)
	if fileRate != rate {
		samples, err = ResampleOnce(samples, channels, fileRate, rate)
		if err != nil {
			return nil, fmt.Errorf("resample sound file: %w", err)
		}
	}
	return samples, nil
}

func decodeWAV(r io.Reader) ([]float32, int, uint32, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, 0, 0, errors.New("wav decoding needs a seekable reader")
	}
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth == 0 || dec.BitDepth > 32 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	scale := float32(math.Pow(2, float64(dec.BitDepth)-1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = Clamp(float32(v) / scale)
	}
	return samples, int(dec.NumChans), dec.SampleRate, nil
}

func decodeVorbis(r io.Reader) ([]float32, int, uint32, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode ogg vorbis: %w", err)
	}
	if format.SampleRate <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid ogg vorbis sample rate %d", format.SampleRate)
	}
	for i, v := range samples {
		samples[i] = Clamp(v)
	}
	return samples, format.Channels, uint32(format.SampleRate), nil
}

// fallbackTone synthesizes a short two-note chime.
func fallbackTone(channels int, rate uint32) ([]float32, error) {
	const (
		noteLength = 0.06
		amplitude  = 0.25
	)
	notes := []float64{880, 1320}
	perNote := int(float64(SampleRate) * noteLength)
	mono := make([]float32, 0, perNote*len(notes))
	for _, freq := range notes {
		for i := 0; i < perNote; i++ {
			t := float64(i) / SampleRate
			envelope := 1 - float64(i)/float64(perNote)
			mono = append(mono, float32(amplitude*envelope*math.Sin(2*math.Pi*freq*t)))
		}
	}

	out := RemixChannels(mono, 1, channels)
	if rate != SampleRate {
		return ResampleOnce(out, channels, SampleRate, rate)
	}
	return out, nil
}
