// Command rtp-recv binds a UDP socket, accepts one rtp-send peer, and
// writes the reassembled byte stream to standard output.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/telepresenceio/rtpipe/pkg/rtp/dgram"
	"github.com/telepresenceio/rtpipe/pkg/rtp/receiver"
	"github.com/telepresenceio/rtpipe/pkg/rtp/rtplog"
)

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	defaults := receiver.DefaultConfig()
	var (
		packetSize int
		logLevel   string
	)

	c := &cobra.Command{
		Use:   "rtp-recv <bind_ip> <bind_port> <window_size>",
		Short: "Receive a reliable byte stream from one rtp-send peer over UDP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rtp-recv: bind_port: %w", err)
			}
			windowSize, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("rtp-recv: window_size: %w", err)
			}
			if windowSize <= 0 {
				return fmt.Errorf("rtp-recv: window_size must be positive")
			}

			cfg := receiver.DefaultConfig()
			cfg.PacketSize = packetSize
			cfg.WindowSize = uint32(windowSize)

			return run(cmd.Context(), args[0], port, cfg, logLevel)
		},
	}

	flags := c.Flags()
	flags.IntVar(&packetSize, "packet-size", defaults.PacketSize, "maximum DATA payload bytes per datagram")
	flags.StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, or error")
	return c
}

func run(ctx context.Context, bindIP string, bindPort int, cfg receiver.Config, logLevel string) error {
	ctx, err := rtplog.InitLogger(ctx, logLevel)
	if err != nil {
		return err
	}
	ctx = dgroup.WithGoroutineName(ctx, "/rtp-recv")

	ip := net.ParseIP(bindIP)
	if ip == nil {
		return fmt.Errorf("rtp-recv: invalid bind_ip %q", bindIP)
	}
	addr := &net.UDPAddr{IP: ip, Port: bindPort}

	sock, err := dgram.Listen(addr)
	if err != nil {
		return fmt.Errorf("rtp-recv: bind %s: %w", addr, err)
	}

	dlog.Infof(ctx, "listening on %s with window size %d, packet size %d", addr, cfg.WindowSize, cfg.PacketSize)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	g.Go("recv", func(ctx context.Context) error {
		return receiver.New(sock, os.Stdout, cfg).Run(ctx)
	})

	var result *multierror.Error
	result = multierror.Append(result, g.Wait())
	result = multierror.Append(result, sock.Close())
	return result.ErrorOrNil()
}
