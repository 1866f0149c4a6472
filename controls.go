package voicecore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/phase"
	"github.com/opd-ai/voicecore/transport"
	"github.com/sirupsen/logrus"
)

// User is a peer on the connected server.
type User struct {
	Session uint32
	Name    string
	Volume  float32
	Muted   bool
}

// Status is a snapshot of the client.
type Status struct {
	Phase        phase.Phase
	Server       string
	Welcome      string // sent by the server on synchronization
	Session      uint32
	Users        []User
	InputVolume  float32
	OutputVolume float32
	SelfMuted    bool
	Capture      audio.CaptureStats
	Transport    transport.Stats
}

// Status returns the current state of the client and its connection.
func (c *Client) Status() Status {
	s := Status{
		Phase:        c.phase.Current(),
		Session:      c.session.Load(),
		InputVolume:  c.capture.InputVolume(),
		OutputVolume: c.mixer.OutputVolume(),
		SelfMuted:    c.capture.Muted(),
		Capture:      c.capture.Stats(),
	}

	c.connMu.Lock()
	if conn := c.conn; conn != nil {
		s.Server = conn.server
		s.Welcome = conn.welcomeText()
		s.Transport = conn.voice.Stats()
	}
	c.connMu.Unlock()

	c.membersMu.RLock()
	for session, name := range c.members {
		u := User{Session: session, Name: name}
		if ps, ok := c.mixer.PeerStats(session); ok {
			u.Volume, u.Muted = ps.Volume, ps.Muted
		}
		s.Users = append(s.Users, u)
	}
	c.membersMu.RUnlock()
	sort.Slice(s.Users, func(i, j int) bool { return s.Users[i].Session < s.Users[j].Session })
	return s
}

// SetInputVolume sets the microphone gain.
func (c *Client) SetInputVolume(volume float32) error {
	return c.capture.SetInputVolume(volume)
}

// SetOutputVolume sets the master playback gain.
func (c *Client) SetOutputVolume(volume float32) error {
	return c.mixer.SetOutputVolume(volume)
}

// SetUserVolume sets the playback gain of one peer. It persists across
// reconnects of that peer.
func (c *Client) SetUserVolume(session uint32, volume float32) error {
	return c.mixer.SetPeerVolume(session, volume)
}

// SetUserMute mutes or unmutes one peer locally.
func (c *Client) SetUserMute(session uint32, muted bool) {
	c.mixer.SetPeerMute(session, muted)
}

// SetSelfMute stops or resumes sending microphone audio.
func (c *Client) SetSelfMute(muted bool) {
	if c.capture.Muted() == muted {
		return
	}
	c.capture.SetMuted(muted)
	if muted {
		c.PlayEffect(audio.Mute)
	} else {
		c.PlayEffect(audio.Unmute)
	}
}

// PlayEffect queues the sound for event on the playback mix.
func (c *Client) PlayEffect(event audio.NotificationEvent) {
	if sfx := c.effects.Load(); sfx != nil {
		c.mixer.PlayEffect(sfx.Samples(event))
	}
}

// ApplyConfig applies the settings that can change at runtime: log level,
// volumes and sound effects. Gate and codec settings take effect for the
// next client.
func (c *Client) ApplyConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	var errs []error
	if level, err := cfg.Level(); err == nil {
		logrus.SetLevel(level)
	}
	if err := c.capture.SetInputVolume(cfg.Audio.InputVolume); err != nil {
		errs = append(errs, fmt.Errorf("input volume: %w", err))
	}
	if err := c.mixer.SetOutputVolume(cfg.Audio.OutputVolume); err != nil {
		errs = append(errs, fmt.Errorf("output volume: %w", err))
	}

	sfx, err := audio.LoadSoundEffects(cfg.Audio.EffectOverrides(), c.mixer.Channels(), c.options.PlaybackFormat.Rate)
	if err != nil {
		errs = append(errs, fmt.Errorf("sound effects: %w", err))
	} else {
		c.effects.Store(sfx)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Client.ApplyConfig",
		"log_level":     cfg.LogLevel,
		"input_volume":  cfg.Audio.InputVolume,
		"output_volume": cfg.Audio.OutputVolume,
		"sound_effects": len(cfg.Audio.SoundEffects),
	}).Info("Configuration applied")
	return errors.Join(errs...)
}
