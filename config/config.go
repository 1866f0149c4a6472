// Package config loads the voicecore daemon configuration.
//
// Configuration is a YAML document. Values missing from the file keep the
// defaults returned by Default, and a few settings can be overridden from the
// environment:
//
//	VOICECORE_LOG_LEVEL      log level (debug, info, warn, error)
//	VOICECORE_INPUT_VOLUME   linear microphone gain
//	VOICECORE_OUTPUT_VOLUME  linear playback gain
package config

import (
	"github.com/opd-ai/voicecore/audio"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the server port used when a server entry omits one.
const DefaultPort = 64738

// Config is the root configuration document.
type Config struct {
	LogLevel string         `yaml:"log_level" env:"VOICECORE_LOG_LEVEL, overwrite"`
	Audio    AudioConfig    `yaml:"audio"`
	Servers  []ServerConfig `yaml:"servers"`
}

// AudioConfig configures the capture and playback pipeline.
type AudioConfig struct {
	InputVolume  float32             `yaml:"input_volume" env:"VOICECORE_INPUT_VOLUME, overwrite"`
	OutputVolume float32             `yaml:"output_volume" env:"VOICECORE_OUTPUT_VOLUME, overwrite"`
	Gate         GateConfig          `yaml:"gate"`
	Codec        string              `yaml:"codec"`
	Bitrate      int                 `yaml:"bitrate"`
	SoundEffects []SoundEffectConfig `yaml:"sound_effects"`
}

// GateConfig holds noise gate thresholds. Window is measured in frames.
type GateConfig struct {
	Activate   float32 `yaml:"activate"`
	Deactivate float32 `yaml:"deactivate"`
	Window     int     `yaml:"window"`
}

// SoundEffectConfig replaces the built-in sound for one notification event.
type SoundEffectConfig struct {
	Event string `yaml:"event"`
	File  string `yaml:"file"`
}

// ServerConfig is a saved server entry.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	gate := audio.DefaultNoiseGateConfig(1)
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			InputVolume:  1,
			OutputVolume: 1,
			Gate: GateConfig{
				Activate:   gate.Activate,
				Deactivate: gate.Deactivate,
				Window:     gate.Window,
			},
			Codec:   "opus",
			Bitrate: audio.DefaultOpusBitrate,
		},
	}
}

// Level returns the parsed log level.
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(c.LogLevel)
}

// Server returns the entry with the given name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			if s.Port == 0 {
				s.Port = DefaultPort
			}
			return s, true
		}
	}
	return ServerConfig{}, false
}

// NoiseGate converts the gate section for a stream with the given channel count.
func (a AudioConfig) NoiseGate(channels int) audio.NoiseGateConfig {
	return audio.NoiseGateConfig{
		Activate:   a.Gate.Activate,
		Deactivate: a.Gate.Deactivate,
		Window:     a.Gate.Window,
		Channels:   channels,
	}
}

// EffectOverrides converts the sound effect entries for audio.LoadSoundEffects.
func (a AudioConfig) EffectOverrides() []audio.EffectOverride {
	out := make([]audio.EffectOverride, 0, len(a.SoundEffects))
	for _, s := range a.SoundEffects {
		out = append(out, audio.EffectOverride{Event: s.Event, File: s.File})
	}
	return out
}
