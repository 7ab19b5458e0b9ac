package mping

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-logr/logr"

	"github.com/m-lab/mping/probe"
	"github.com/m-lab/mping/stats"
)

// maxBuffer is the receive buffer floor; sweeps go up to 4500-byte
// packets and error replies quote them.
const maxBuffer = 9000

// ProbeConn is the socket adapter contract the engine drives. probe.Conn
// is the real implementation; tests substitute scripted ones.
type ProbeConn interface {
	SetSendTTL(ttl int) error
	ArmAlarm(d time.Duration)
	SendPacket(seq uint32, size int) (int, error)
	ReceiveAndGetSeq(stat *stats.Accumulator) (uint32, error)
	FromAddress() string
	Close() error
}

type dialFunc func(dst, src string, ttl, maxBuf, win, dport int, clientMode bool, debugLogger logr.Logger) (ProbeConn, error)

func defaultDial(dst, src string, ttl, maxBuf, win, dport int, clientMode bool, debugLogger logr.Logger) (ProbeConn, error) {
	conn, err := probe.Dial(dst, src, ttl, maxBuf, win, dport, clientMode, debugLogger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client probes one destination host: it walks the resolved candidate
// addresses and runs the engine against each until one attempt completes.
type Client struct {
	cfg  *Config
	sig  *Signals
	stat *stats.Accumulator

	log         *log.Logger
	debugLogger logr.Logger

	dial dialFunc

	// Engine state, reset at the start of each destination attempt.
	sseq          uint32
	mrseq         uint32
	mustsend      int
	startBurst    bool
	timedout      bool
	tick          int64
	curPacketSize int
}

func NewClient(cfg *Config, logger *log.Logger, debugLogger logr.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	logger.SetFlags(0)
	return &Client{
		cfg:         cfg,
		sig:         NewSignals(),
		stat:        stats.NewAccumulator(logger),
		log:         logger,
		debugLogger: debugLogger,
		dial:        defaultDial,
	}
}

// Signals exposes the interrupt bridge so the command can run its watcher
// alongside the prober.
func (c *Client) Signals() *Signals {
	return c.sig
}

// Run tries each resolved destination address in turn and stops at the
// first one that completes a probing run.
func (c *Client) Run(ctx context.Context) error {
	if len(c.cfg.destIPs) == 0 {
		return fmt.Errorf("no target address")
	}

	for _, ip := range c.cfg.destIPs {
		c.log.Printf("destination IP:%s", ip)

		ok, err := c.probeDestination(ctx, ip)
		if err != nil {
			return err
		}
		if !ok {
			c.log.Printf("destination IP %s fails, try next.", ip)
			continue
		}
		return nil
	}
	return nil
}

// probeDestination runs one full destination attempt. A dial failure is
// not fatal (the next candidate address is tried); engine errors are.
func (c *Client) probeDestination(ctx context.Context, dst string) (bool, error) {
	c.startBurst = false
	c.timedout = true
	c.sseq = 0
	c.mrseq = 0
	c.mustsend = 0
	c.tick = 0

	maxBuf := c.cfg.PacketSize
	if maxBuf < maxBuffer {
		maxBuf = maxBuffer
	}

	conn, err := c.dial(dst, c.cfg.SrcAddr, c.cfg.TTL, maxBuf,
		c.cfg.WindowSize, c.cfg.DstPort, c.cfg.ClientMode, c.debugLogger)
	if err != nil {
		c.debugLogger.V(2).Info("dial failed", "destination", dst, "error", err.Error())
		return false, nil
	}
	defer conn.Close()

	c.stat.SetWindowSize(c.cfg.WindowSize)
	if c.cfg.PrintSeqTime {
		c.stat.ReserveTimeSeqVectors()
	}

	if err := c.ttlLoop(ctx, conn); err != nil {
		return false, err
	}

	c.stat.PrintStats()
	if c.cfg.PrintSeqTime {
		c.stat.PrintResearch()
	}
	return true, nil
}
