// Command voicecored runs the voice client daemon against the default
// audio devices.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voicecored",
		Short: "Voice chat client daemon",
		Long: `voicecored captures the microphone, sends it to a voice server and plays
everyone else through the speakers.

Examples:
  voicecored connect home                  # saved server from the config file
  voicecored connect --host voice.example.org --user alice
  voicecored query voice.example.org:64738`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" {
				return nil
			}
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(queryCmd())
	return rootCmd
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voicecore.yaml"
	}
	return dir + string(os.PathSeparator) + "voicecore" + string(os.PathSeparator) + "config.yaml"
}
