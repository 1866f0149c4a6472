package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/voicecore"
	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/phase"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type connectFlags struct {
	host     string
	port     int
	username string
	watch    bool
}

func connectCmd() *cobra.Command {
	var flags connectFlags

	cmd := &cobra.Command{
		Use:   "connect [server]",
		Short: "Connect to a server and stream audio until interrupted",
		Long: `Connect to a saved server by name, or to --host directly, and run the
voice pipeline until SIGINT or SIGTERM. The config file is reloaded when it
changes unless --watch=false.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, args, flags)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", "", "server host")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultPort, "server port")
	cmd.Flags().StringVar(&flags.username, "user", "", "user name")
	cmd.Flags().BoolVar(&flags.watch, "watch", true, "reload the config file when it changes")
	return cmd
}

// resolveServer picks the server from a saved entry name or the flags.
func resolveServer(cfg *config.Config, args []string, flags connectFlags) (config.ServerConfig, error) {
	var server config.ServerConfig
	if len(args) == 1 {
		saved, ok := cfg.Server(args[0])
		if !ok {
			return server, fmt.Errorf("no saved server named %q", args[0])
		}
		server = saved
	}
	if flags.host != "" {
		server.Host, server.Port = flags.host, flags.port
	}
	if flags.username != "" {
		server.Username = flags.username
	}
	if server.Host == "" {
		return server, errors.New("no server given: name a saved server or pass --host")
	}
	if server.Username == "" {
		return server, errors.New("no user name given: set it in the config file or pass --user")
	}
	return server, nil
}

func runConnect(ctx context.Context, args []string, flags connectFlags) error {
	cfg, err := config.Load(ctx, cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	server, err := resolveServer(cfg, args, flags)
	if err != nil {
		return err
	}

	devices, err := audio.OpenMiniaudio(audio.MiniaudioConfig{})
	if err != nil {
		return err
	}
	defer devices.Close()

	options := voicecore.NewOptions()
	options.Config = cfg
	options.CaptureFormat = devices.CaptureFormat()
	options.PlaybackFormat = devices.PlaybackFormat()

	client, err := voicecore.New(options)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnPhase(func(from, to phase.Phase) {
		logrus.WithFields(logrus.Fields{
			"function": "runConnect",
			"from":     from.String(),
			"to":       to.String(),
		}).Info("Connection phase")
	})
	client.OnUser(func(session uint32, name string, joined bool) {
		logrus.WithFields(logrus.Fields{
			"function": "runConnect",
			"session":  session,
			"name":     name,
			"joined":   joined,
		}).Info("User presence")
	})

	if err := devices.Start(client.Capture(), client.Playback()); err != nil {
		return err
	}

	if flags.watch {
		go func() {
			err := config.Watch(ctx, cfgFile, func(next *config.Config) {
				if logLevel != "" {
					next.LogLevel = logLevel
				}
				if err := client.ApplyConfig(next); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "runConnect",
						"error":    err.Error(),
					}).Warn("Could not apply reloaded configuration")
				}
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "runConnect",
					"path":     cfgFile,
					"error":    err.Error(),
				}).Warn("Configuration file is not watched")
			}
		}()
	}

	if err := client.Connect(ctx, server.Host, server.Port, server.Username); err != nil {
		return err
	}
	status := client.Status()
	logrus.WithFields(logrus.Fields{
		"function": "runConnect",
		"server":   status.Server,
		"session":  status.Session,
		"welcome":  status.Welcome,
	}).Info("Connected")

	connected, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// A connection that ends on its own ends the daemon.
		if _, err := client.WaitForPhase(connected, phase.IsConnected); err != nil {
			return
		}
		if _, err := client.WaitForPhase(connected, phase.IsDisconnected); err == nil {
			cancel()
		}
	}()

	select {
	case <-connected.Done():
	case err := <-devices.Faults():
		return fmt.Errorf("audio device: %w", err)
	}
	if ctx.Err() == nil {
		return errors.New("connection to server lost")
	}
	return nil
}
