// Command rtp-send reliably delivers standard input to an rtp-recv peer
// over a plain UDP socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/telepresenceio/rtpipe/pkg/rtp/dgram"
	"github.com/telepresenceio/rtpipe/pkg/rtp/rtplog"
	"github.com/telepresenceio/rtpipe/pkg/rtp/sender"
)

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	defaults := sender.DefaultConfig()
	var (
		packetSize        int
		logLevel          string
		handshakeTimeout  time.Duration
		retransmitTimeout time.Duration
	)

	c := &cobra.Command{
		Use:   "rtp-send <recv_ip> <recv_port> <window_size>",
		Short: "Reliably send standard input to an rtp-recv peer over UDP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rtp-send: recv_port: %w", err)
			}
			windowSize, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("rtp-send: window_size: %w", err)
			}

			cfg := sender.DefaultConfig()
			cfg.PacketSize = packetSize
			cfg.WindowSize = windowSize
			cfg.HandshakeDeadline = handshakeTimeout
			cfg.RetransmitTimeout = retransmitTimeout

			return run(cmd.Context(), args[0], port, cfg, logLevel)
		},
	}

	flags := c.Flags()
	flags.IntVar(&packetSize, "packet-size", defaults.PacketSize, "maximum DATA payload bytes per datagram")
	flags.StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, or error")
	flags.DurationVar(&handshakeTimeout, "handshake-timeout", defaults.HandshakeDeadline, "overall deadline for the START/ACK handshake")
	flags.DurationVar(&retransmitTimeout, "retransmit-timeout", defaults.RetransmitTimeout, "per-packet retransmission timeout")
	return c
}

func run(ctx context.Context, recvIP string, recvPort int, cfg sender.Config, logLevel string) error {
	ctx, err := rtplog.InitLogger(ctx, logLevel)
	if err != nil {
		return err
	}
	ctx = dgroup.WithGoroutineName(ctx, "/rtp-send")

	ip := net.ParseIP(recvIP)
	if ip == nil {
		return fmt.Errorf("rtp-send: invalid recv_ip %q", recvIP)
	}
	addr := &net.UDPAddr{IP: ip, Port: recvPort}

	sock, err := dgram.Unbound()
	if err != nil {
		return fmt.Errorf("rtp-send: open socket: %w", err)
	}

	dlog.Infof(ctx, "starting sender with window size %d, packet size %d, target %s", cfg.WindowSize, cfg.PacketSize, addr)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	g.Go("send", func(ctx context.Context) error {
		return sender.New(sock, addr, cfg).Run(ctx, os.Stdin)
	})

	var result *multierror.Error
	result = multierror.Append(result, g.Wait())
	result = multierror.Append(result, sock.Close())
	return result.ErrorOrNil()
}
