package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/m-lab/mping/mping"
	"github.com/m-lab/mping/server"
)

const version = "mping version: 2.0 (2013.06)"

var (
	cfg         mping.Config
	msgSize     int
	showVersion bool
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "mping [flags] <host>",
	Short: "Measure a network path by keeping a window of probes in flight",
	Long: `mping generalizes ping: instead of one outstanding packet per RTT it
keeps a target number of probes in transit, optionally ramping the
window, using TCP-style slow start, firing short bursts, and sweeping
packet sizes and TTLs. Per-packet send and receive times are recorded
so loss, reordering and bottleneck behavior can be inferred.

With -s it instead runs the UDP echo server that -c probes against.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}
		if debug {
			setDebug()
		}

		if len(args) > 0 {
			cfg.DstHost = args[0]
		}
		// -b carries either a packet size or a negative sweep selector.
		if msgSize < 0 {
			cfg.LoopSize = msgSize
		} else {
			cfg.PacketSize = msgSize
		}

		if err := cfg.Validate(); err != nil {
			_ = cmd.Usage()
			return err
		}

		logger := log.New(os.Stdout, "", 0)

		if cfg.IsServerMode() {
			srv := server.New(cfg.ServerPort, cfg.PacketSize, cfg.ServerIPv6, logger, DebugLogger)
			ctx, stop := notifyContext()
			defer stop()
			return srv.Run(ctx)
		}

		client := mping.NewClient(&cfg, logger, DebugLogger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var g errgroup.Group
		g.Go(func() error {
			return client.Signals().Watch(ctx)
		})
		g.Go(func() error {
			defer cancel()
			return client.Run(ctx)
		})
		return g.Wait()
	},
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntVarP(&cfg.WindowSize, "num", "n", 4, "number of messages to keep in transit")
	rootCmd.Flags().BoolVarP(&cfg.Loop, "forever", "f", false, "loop forever (don't ramp the number of messages in transit)")
	rootCmd.Flags().IntVarP(&cfg.Rate, "rate", "R", 0, "rate at which to limit messages in transit (reserved)")
	rootCmd.Flags().BoolVarP(&cfg.SlowStart, "slow-start", "S", false, "use a TCP style slow start")
	rootCmd.Flags().IntVarP(&cfg.TTL, "ttl", "t", 0, "send UDP packets (instead of ICMP) with this TTL")
	rootCmd.Flags().IntVarP(&cfg.IncTTL, "auto-ttl", "a", 0, "auto-increment TTL up to this value, forces UDP")
	rootCmd.Flags().IntVarP(&msgSize, "bytes", "b", 0, "message length in bytes including IP header, or a sweep selector -1..-4")
	rootCmd.Flags().IntVarP(&cfg.Burst, "burst", "B", 0, "send this many packets in a burst, must not exceed the window")
	rootCmd.Flags().IntVarP(&cfg.DstPort, "port", "p", 0, "UDP destination port")
	rootCmd.Flags().IntVarP(&cfg.ServerPort, "server", "s", 0, "server mode, listen on this UDP port")
	rootCmd.Flags().BoolVarP(&cfg.ServerIPv4, "ipv4", "4", false, "server mode, use IPv4")
	rootCmd.Flags().BoolVarP(&cfg.ServerIPv6, "ipv6", "6", false, "server mode, use IPv6")
	rootCmd.Flags().BoolVarP(&cfg.ClientMode, "client", "c", false, "client mode, send UDP to a server running -s")
	rootCmd.Flags().BoolVarP(&cfg.PrintSeqTime, "seq-time", "r", false, "print time and sequence number of every send/recv packet")
	rootCmd.Flags().StringVarP(&cfg.SrcAddr, "source", "F", "", "select a source interface address")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print version")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "debug (verbose)")
}
