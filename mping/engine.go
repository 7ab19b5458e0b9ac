package mping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// alarmInterval bounds how long the inner receive may block; it plays the
// role of the classic 2-second SIGALRM rearm.
const alarmInterval = 2 * time.Second

// sizeTable is the -b -1 sweep.
var sizeTable = []int{64, 100, 500, 1000, 1500, 2000, 3000, 4000}

// ttlLoop runs one probing pass per TTL. Without -a there is a single
// pass at the configured TTL (0 means ICMP echo, no TTL setting at all);
// with -a the TTL walks 1..IncTTL and each hop's responder is reported.
func (c *Client) ttlLoop(ctx context.Context, conn ProbeConn) error {
	tempTTL := 1

	if c.cfg.IncTTL == 0 {
		tempTTL = c.cfg.TTL
		c.log.Printf("ttl:%d", tempTTL)
	}

	for ; tempTTL <= c.cfg.TTL; tempTTL++ {
		if c.sig.HaltCount() > 1 || ctx.Err() != nil {
			break
		}

		if c.cfg.TTL != 0 {
			if err := conn.SetSendTTL(tempTTL); err != nil {
				return fmt.Errorf("set TTL %d: %w", tempTTL, err)
			}
		}

		if c.cfg.IncTTL > 0 {
			c.log.Printf("ttl:%d", tempTTL)
		}

		if err := c.bufferLoop(ctx, conn); err != nil {
			return err
		}

		if c.cfg.IncTTL > 0 {
			c.log.Printf("ttl:%d;done;From_addr:%s", tempTTL, conn.FromAddress())
		}

		c.sig.ClearHalt()
	}

	if c.cfg.IncTTL == 0 {
		c.log.Printf("ttl:%d;done", tempTTL-1)
	}
	return nil
}

// bufferLoop sweeps packet sizes. sseq and mrseq deliberately carry over
// between sizes, so replies still in flight from the previous size keep
// updating the window.
func (c *Client) bufferLoop(ctx context.Context, conn ProbeConn) error {
	if c.cfg.PacketSize > 0 {
		c.log.Printf("packet_size:%d", c.cfg.PacketSize)
	}

	for nbix := 0; ; nbix++ {
		if c.sig.Halting() || ctx.Err() != nil {
			break
		}

		size, ok := c.nextPacketSize(nbix)
		if !ok {
			break
		}
		c.curPacketSize = size

		if c.cfg.LoopSize < 0 {
			c.log.Printf("packet_size:%d", size)
		}

		if err := c.windowLoop(ctx, conn); err != nil {
			return err
		}

		if c.cfg.LoopSize < 0 {
			c.log.Printf("packet_size:%d;done", size)
		}
	}

	if c.cfg.PacketSize > 0 {
		c.log.Printf("packet_size:%d;done", c.cfg.PacketSize)
	}
	return nil
}

// nextPacketSize yields the packet size for sweep iteration nbix, or
// ok=false when the sweep is exhausted. A fixed -b size is a one-element
// sweep.
func (c *Client) nextPacketSize(nbix int) (int, bool) {
	if c.cfg.PacketSize > 0 {
		if nbix != 0 {
			return 0, false
		}
		return c.cfg.PacketSize, true
	}

	switch c.cfg.LoopSize {
	case -1:
		if nbix >= len(sizeTable) {
			return 0, false
		}
		return sizeTable[nbix], true
	case -2:
		size := (nbix + 1) * 64
		if size > 1500 {
			return 0, false
		}
		return size, true
	case -3:
		size := (nbix + 1) * 128
		if size > 2048 {
			return 0, false
		}
		return size, true
	case -4:
		size := (nbix + 1) * 256
		if size > 4500 {
			return 0, false
		}
		return size, true
	}
	return 0, false
}

// windowLoop drives the in-flight target through its schedule:
//
//	no -f:              1, 2, 3, ..., WindowSize, 0(drain)
//	-f with other loops: WindowSize once
//	-f alone:           WindowSize until interrupt, then 0(drain)
//
// The 0 iteration sends nothing and collects trailing replies.
func (c *Client) windowLoop(ctx context.Context, conn ProbeConn) error {
	win := c.cfg.WindowSize

	if c.cfg.Loop {
		c.log.Printf("window_size:%d", win)
	}

	intran := 1
	if c.cfg.Loop {
		intran = win
	}

	for {
		if c.sig.Halting() || ctx.Err() != nil {
			intran = 0
		}

		if intran > win {
			if c.cfg.Loop {
				if c.cfg.IncTTL > 0 || c.cfg.LoopSize < 0 {
					break
				}
				intran = win
			} else {
				intran = 0
			}
		}

		if intran > 0 && c.timedout {
			c.mustsend = 1
			c.timedout = false
		}

		if !c.cfg.Loop {
			c.log.Printf("window_size:%d", intran)
		}

		if err := c.intervalLoop(ctx, intran, conn); err != nil {
			return err
		}

		if c.cfg.PrintSeqTime {
			c.stat.InsertIntervalBoundary(time.Now())
		}
		c.stat.PrintTempStats()

		if intran == 0 {
			break
		}
		intran++
	}

	if c.cfg.Loop {
		c.log.Printf("window_size:%d;done", win)
	}
	return nil
}

// computeNeedSend is the per-step window math: how many probes to inject
// right now given the conceptual in-flight count sseq-mrseq. Before the
// burst latch opens, catch-up is capped (2 in slow start, 10 otherwise);
// after it opens, a full burst goes out whenever the window has room.
func computeNeedSend(sseq, mrseq uint32, intran, burst, mustsend int, slowStart, startBurst bool) int {
	if burst == 0 || !startBurst {
		maxopen := 10
		if slowStart {
			maxopen = 2
		}
		diff := int(int32(sseq-mrseq)) - intran
		if diff < 0 {
			if -diff < maxopen {
				return -diff
			}
			return maxopen
		}
		return mustsend
	}

	diff := int(int32(sseq-mrseq)) + burst - intran
	if diff > 0 {
		return mustsend
	}
	return burst
}

// intervalLoop is one ~1-second tick: top up the window, then drain
// replies until the wall-clock second rolls over or the armed receive
// deadline fires.
func (c *Client) intervalLoop(ctx context.Context, intran int, conn ProbeConn) error {
	if c.tick == 0 {
		// Sync to the system clock: wait out the current second so
		// ticks line up with wall-clock boundaries.
		c.tick = time.Now().Unix()
		for c.tick >= time.Now().Unix() {
			time.Sleep(time.Millisecond)
		}
	}

	conn.ArmAlarm(alarmInterval)
	c.tick++

	for c.tick >= time.Now().Unix() {
		if c.sig.HaltCount() > 1 || ctx.Err() != nil {
			return nil
		}

		needSend := computeNeedSend(c.sseq, c.mrseq, intran, c.cfg.Burst,
			c.mustsend, c.cfg.SlowStart, c.startBurst)
		c.mustsend = 0

		interrupted := false
		for needSend > 0 {
			c.sseq++
			_, err := conn.SendPacket(c.sseq, c.curPacketSize)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					interrupted = true
					break
				}
				if errors.Is(err, syscall.ENOBUFS) {
					// Kernel send buffer exhausted; nothing more fits
					// this tick.
					c.log.Printf("send buffer run out.")
					c.stat.CountSendError("enobufs")
					c.sseq--
					break
				}
				if errors.Is(err, syscall.ECONNREFUSED) {
					// The connected UDP socket is surfacing a prior
					// ICMP unreachable.
					c.stat.CountSendError("refused")
					c.sseq--
					continue
				}
				return fmt.Errorf("send fails: %w", err)
			}

			now := time.Now()
			if c.cfg.PrintSeqTime {
				c.stat.InsertSequenceTime(int64(c.sseq), now)
			}
			c.stat.EnqueueSend(c.sseq, now)

			if c.cfg.Burst > 0 && intran >= c.cfg.Burst && !c.startBurst &&
				c.sseq-c.mrseq == uint32(intran) {
				// The in-flight count reached the window; from here on
				// every tick injects a full burst. Latches until the
				// next destination attempt.
				c.debugLogger.V(4).Info("start burst", "window", intran, "burst", c.cfg.Burst)
				c.startBurst = true
			}
			needSend--
		}

		if interrupted {
			c.log.Printf("send being interrupted.")
			break
		}

		rseq, err := conn.ReceiveAndGetSeq(c.stat)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// The tick alarm fired with no traffic. Resync the
				// clock on the next interval.
				c.timedout = true
				c.tick = 0
				continue
			}
			return fmt.Errorf("recv fails: %w", err)
		}

		now := time.Now()
		if c.cfg.PrintSeqTime {
			c.stat.InsertSequenceTime(-int64(rseq), now)
		}
		c.stat.EnqueueRecv(rseq, now)

		if int32(c.sseq-rseq) < 0 {
			c.log.Printf("recv a seq larger than sent %d %d %d", c.mrseq, rseq, c.sseq)
		} else if int32(rseq-c.mrseq) > 0 {
			// Late, reordered replies never regress the window marker.
			c.mrseq = rseq
		}
	}

	return nil
}
