package mping

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/mping/stats"
)

type fakeSend struct {
	seq  uint32
	size int

	// atReplies snapshots how many replies had been consumed when this
	// send happened, so tests can tell whether a receive intervened.
	atReplies int
}

// fakeConn scripts the socket adapter: every send within the echo budget
// queues a matching reply, and an exhausted queue reports the armed
// deadline, which ends the engine's tick quickly.
type fakeConn struct {
	sends      []fakeSend
	pending    []uint32
	replies    int
	echoBudget int

	// extraReplies are delivered before any echoes, e.g. to inject
	// anomalous or reordered sequences.
	extraReplies []uint32

	// sendErrs injects an error for the n-th SendPacket call.
	sendErrs map[int]error

	maxInflight int
	ttls        []int
	armed       time.Duration
	fromAddr    string
	closed      bool
}

func (f *fakeConn) SetSendTTL(ttl int) error {
	f.ttls = append(f.ttls, ttl)
	return nil
}

func (f *fakeConn) ArmAlarm(d time.Duration) {
	f.armed = d
}

func (f *fakeConn) SendPacket(seq uint32, size int) (int, error) {
	if err, ok := f.sendErrs[len(f.sends)]; ok {
		delete(f.sendErrs, len(f.sends))
		return 0, err
	}
	f.sends = append(f.sends, fakeSend{seq: seq, size: size, atReplies: f.replies})
	if inflight := len(f.sends) - f.replies; inflight > f.maxInflight {
		f.maxInflight = inflight
	}
	if f.echoBudget > 0 {
		f.pending = append(f.pending, seq)
		f.echoBudget--
	}
	return size, nil
}

func (f *fakeConn) ReceiveAndGetSeq(stat *stats.Accumulator) (uint32, error) {
	if len(f.extraReplies) > 0 {
		seq := f.extraReplies[0]
		f.extraReplies = f.extraReplies[1:]
		return seq, nil
	}
	if len(f.pending) > 0 {
		seq := f.pending[0]
		f.pending = f.pending[1:]
		f.replies++
		return seq, nil
	}
	return 0, os.ErrDeadlineExceeded
}

func (f *fakeConn) FromAddress() string { return f.fromAddr }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestClient(cfg *Config, out *bytes.Buffer) *Client {
	return NewClient(cfg, log.New(out, "", 0), logr.Discard())
}

func TestComputeNeedSend(t *testing.T) {
	tests := []struct {
		name                  string
		sseq, mrseq           uint32
		intran, burst         int
		mustsend              int
		slowStart, startBurst bool
		want                  int
	}{
		{name: "open full window", sseq: 0, mrseq: 0, intran: 4, want: 4},
		{name: "catch-up capped at 10", sseq: 0, mrseq: 0, intran: 50, want: 10},
		{name: "slow start caps at 2", sseq: 0, mrseq: 0, intran: 50, slowStart: true, want: 2},
		{name: "window closed", sseq: 4, mrseq: 0, intran: 4, want: 0},
		{name: "window closed with mustsend", sseq: 4, mrseq: 0, intran: 4, mustsend: 1, want: 1},
		{name: "one slot open", sseq: 4, mrseq: 1, intran: 4, want: 1},
		{name: "burst fits", sseq: 4, mrseq: 4, intran: 4, burst: 4, startBurst: true, want: 4},
		{name: "burst does not fit", sseq: 4, mrseq: 1, intran: 4, burst: 4, startBurst: true, want: 0},
		{name: "burst not latched yet", sseq: 0, mrseq: 0, intran: 4, burst: 2, want: 4},
		{name: "drain sends nothing", sseq: 7, mrseq: 3, intran: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeNeedSend(tt.sseq, tt.mrseq, tt.intran, tt.burst,
				tt.mustsend, tt.slowStart, tt.startBurst)
			if got != tt.want {
				t.Errorf("computeNeedSend() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNextPacketSize(t *testing.T) {
	collect := func(cfg Config) []int {
		c := &Client{cfg: &cfg}
		var sizes []int
		for i := 0; ; i++ {
			size, ok := c.nextPacketSize(i)
			if !ok {
				break
			}
			sizes = append(sizes, size)
		}
		return sizes
	}

	assert.Equal(t, []int{1024}, collect(Config{PacketSize: 1024}))
	assert.Equal(t, []int{64, 100, 500, 1000, 1500, 2000, 3000, 4000}, collect(Config{LoopSize: -1}))

	step64 := collect(Config{LoopSize: -2})
	require.Len(t, step64, 23)
	assert.Equal(t, 64, step64[0])
	assert.Equal(t, 1472, step64[22])

	step128 := collect(Config{LoopSize: -3})
	require.Len(t, step128, 16)
	assert.Equal(t, 2048, step128[15])

	step256 := collect(Config{LoopSize: -4})
	require.Len(t, step256, 17)
	assert.Equal(t, 4352, step256[16])
}

func TestWindowLoop_RampAndDrain(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 3, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64
	c.timedout = true

	conn := &fakeConn{echoBudget: 100}
	require.NoError(t, c.windowLoop(context.Background(), conn))

	// Window values visited in order 1, 2, 3, then the drain at 0.
	var winLines []string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "window_size:") {
			winLines = append(winLines, line)
		}
	}
	assert.Equal(t, []string{"window_size:1", "window_size:2", "window_size:3", "window_size:0"}, winLines)

	// Every probe carries the configured size, and the in-flight count
	// never exceeds the window plus one catch-up batch.
	require.NotEmpty(t, conn.sends)
	for _, s := range conn.sends {
		assert.Equal(t, 64, s.size)
	}
	assert.LessOrEqual(t, conn.maxInflight, cfg.WindowSize+10)
}

func TestWindowLoop_BurstLatchIsMonotonic(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 4, Burst: 2, Loop: true, IncTTL: 1, TTL: 1, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64
	c.timedout = true

	conn := &fakeConn{echoBudget: 100}
	require.NoError(t, c.windowLoop(context.Background(), conn))

	// The first full batch closes the window, so the latch opens and
	// stays open.
	assert.True(t, c.startBurst)

	require.NoError(t, c.windowLoop(context.Background(), conn))
	assert.True(t, c.startBurst)
}

func TestIntervalLoop_AnomalousReplyDoesNotAdvanceWindow(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 1, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64

	conn := &fakeConn{extraReplies: []uint32{500}}
	require.NoError(t, c.intervalLoop(context.Background(), 1, conn))

	assert.Equal(t, uint32(0), c.mrseq, "reply beyond sseq must not move mrseq")
	assert.Contains(t, out.String(), "seq larger than sent")
}

func TestIntervalLoop_ReorderedReplyDoesNotRegress(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 4, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64
	c.sseq = 4
	c.mrseq = 3

	conn := &fakeConn{extraReplies: []uint32{2}}
	require.NoError(t, c.intervalLoop(context.Background(), 4, conn))

	assert.Equal(t, uint32(3), c.mrseq)
}

func TestIntervalLoop_TimeoutSetsFlagAndResyncsClock(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 1, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64

	conn := &fakeConn{}
	require.NoError(t, c.intervalLoop(context.Background(), 1, conn))

	assert.True(t, c.timedout)
	assert.Equal(t, int64(0), c.tick)
	assert.Equal(t, alarmInterval, conn.armed)
}

func TestIntervalLoop_SendBufferFullEndsBatch(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 3, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64

	conn := &fakeConn{echoBudget: 2, sendErrs: map[int]error{1: syscall.ENOBUFS}}
	require.NoError(t, c.intervalLoop(context.Background(), 3, conn))

	assert.Contains(t, out.String(), "send buffer run out.")

	// The retracted sequence is reused: nothing that went on the wire
	// leaves a gap.
	for i, s := range conn.sends {
		assert.Equal(t, uint32(i+1), s.seq)
	}

	// The failure ended the batch; the retracted sequence only went out
	// after a reply had been drained.
	require.Greater(t, len(conn.sends), 1)
	assert.Equal(t, 1, conn.sends[1].atReplies)

	out.Reset()
	c.stat.PrintStats()
	assert.Contains(t, out.String(), "send errors (enobufs): 1")
}

func TestIntervalLoop_RefusedRetractsAndResends(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 3, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64

	conn := &fakeConn{sendErrs: map[int]error{1: syscall.ECONNREFUSED}}
	require.NoError(t, c.intervalLoop(context.Background(), 3, conn))

	// The refused send is retried in the same batch with the same
	// sequence; no receive intervenes and no gap appears.
	require.Len(t, conn.sends, 3)
	for i, s := range conn.sends {
		assert.Equal(t, uint32(i+1), s.seq)
	}
	assert.Equal(t, 0, conn.sends[1].atReplies)

	out.Reset()
	c.stat.PrintStats()
	assert.Contains(t, out.String(), "send errors (refused): 1")
}

func TestTTLLoop_SweepSetsEachHop(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 2, IncTTL: 2, TTL: 2, Loop: true, PacketSize: 64, DstPort: 33434}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64
	c.timedout = true

	conn := &fakeConn{echoBudget: 100, fromAddr: "192.0.2.1"}
	require.NoError(t, c.ttlLoop(context.Background(), conn))

	assert.Equal(t, []int{1, 2}, conn.ttls)
	assert.Contains(t, out.String(), "ttl:1;done;From_addr:192.0.2.1")
	assert.Contains(t, out.String(), "ttl:2;done;From_addr:192.0.2.1")
}

func TestWindowLoop_HaltDrainsAndStops(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 5, Loop: true, PacketSize: 64}
	c := newTestClient(cfg, &out)
	c.curPacketSize = 64
	c.sig.bump()

	conn := &fakeConn{}
	require.NoError(t, c.windowLoop(context.Background(), conn))

	// A pending interrupt turns the very first iteration into the
	// drain; nothing is sent.
	assert.Empty(t, conn.sends)
	assert.Contains(t, out.String(), "window_size:5;done")
}

func TestClientRun_UsesDialAndReportsStats(t *testing.T) {
	var out bytes.Buffer
	cfg := &Config{WindowSize: 1, DstHost: "127.0.0.1"}
	require.NoError(t, cfg.Validate())

	c := newTestClient(cfg, &out)
	conn := &fakeConn{echoBudget: 50}
	c.dial = func(dst, src string, ttl, maxBuf, win, dport int, clientMode bool, debugLogger logr.Logger) (ProbeConn, error) {
		assert.Equal(t, "127.0.0.1", dst)
		return conn, nil
	}

	require.NoError(t, c.Run(context.Background()))

	assert.True(t, conn.closed)
	assert.Contains(t, out.String(), "destination IP:127.0.0.1")
	assert.Contains(t, out.String(), "--- mping statistics ---")
}
