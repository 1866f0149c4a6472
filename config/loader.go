package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/voicecore/audio"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Info("No configuration file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	default:
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(ctx, cfg, nil); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables. A nil lookuper reads
// the process environment.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg is coherent. It returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := cfg.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	a := cfg.Audio
	if a.InputVolume < 0 || a.InputVolume > audio.MaxGain {
		errs = append(errs, fmt.Errorf("audio.input_volume %.2f is out of range [0, %.0f]", a.InputVolume, audio.MaxGain))
	}
	if a.OutputVolume < 0 || a.OutputVolume > audio.MaxGain {
		errs = append(errs, fmt.Errorf("audio.output_volume %.2f is out of range [0, %.0f]", a.OutputVolume, audio.MaxGain))
	}
	if a.Gate.Deactivate <= 0 || a.Gate.Activate > 1 {
		errs = append(errs, fmt.Errorf("audio.gate thresholds must lie in (0, 1]"))
	} else if a.Gate.Deactivate >= a.Gate.Activate {
		errs = append(errs, fmt.Errorf("audio.gate.deactivate %.3f must be below audio.gate.activate %.3f", a.Gate.Deactivate, a.Gate.Activate))
	}
	if a.Gate.Window < 0 {
		errs = append(errs, fmt.Errorf("audio.gate.window %d must not be negative", a.Gate.Window))
	}
	if _, err := audio.NewCodecFactory(a.Codec, a.Bitrate); err != nil {
		errs = append(errs, fmt.Errorf("audio.codec: %w", err))
	}
	if a.Bitrate != 0 && (a.Bitrate < 6000 || a.Bitrate > 510000) {
		errs = append(errs, fmt.Errorf("audio.bitrate %d is out of range [6000, 510000]", a.Bitrate))
	}
	for i, s := range a.SoundEffects {
		if s.File == "" {
			errs = append(errs, fmt.Errorf("audio.sound_effects[%d].file is required", i))
		}
		if _, err := audio.ParseNotificationEvent(s.Event); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Validate",
				"event":    s.Event,
			}).Warn("Sound effect for unknown event will be ignored")
		}
	}

	seen := make(map[string]int, len(cfg.Servers))
	for i, s := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[s.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of servers[%d]", prefix, s.Name, prev))
		} else {
			seen[s.Name] = i
		}
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("%s.host is required", prefix))
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port %d is out of range", prefix, s.Port))
		}
	}

	return errors.Join(errs...)
}
