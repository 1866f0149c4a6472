package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/transport"
	"github.com/spf13/cobra"
)

func queryCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query host[:port]",
		Short: "Ask a server for its status without connecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := withDefaultPort(args[0])
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := transport.QueryServer(ctx, addr)
			if err != nil {
				return err
			}
			major, minor, patch := status.Version>>16, (status.Version>>8)&0xff, status.Version&0xff
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d.%d.%d, %d/%d users, %d bit/s, %s\n",
				addr, major, minor, patch, status.Users, status.MaxUsers, status.Bandwidth,
				status.RTT.Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a reply")
	return cmd
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(config.DefaultPort))
}
