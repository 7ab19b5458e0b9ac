package stats

import (
	"fmt"
	"log"
	"time"
)

// SeqTime is one entry of the optional per-packet time series: a positive
// Seq marks a send, a negative Seq marks a receive of that sequence.
// Sequence 0 is never assigned to a probe, so the sign is unambiguous.
type SeqTime struct {
	Seq int64
	At  time.Time
}

type counters struct {
	sent       int
	sendErrors map[string]int
	received   int
	duplicates int
	outOfOrder int
	unexpected int
	discarded  int

	rttMin   time.Duration
	rttMax   time.Duration
	rttSum   time.Duration
	rttCount int
}

func (c *counters) reset() {
	*c = counters{}
}

func (c *counters) countSendError(class string) {
	if c.sendErrors == nil {
		c.sendErrors = make(map[string]int)
	}
	c.sendErrors[class]++
}

func (c *counters) addRTT(rtt time.Duration) {
	if c.rttCount == 0 || rtt < c.rttMin {
		c.rttMin = rtt
	}
	if rtt > c.rttMax {
		c.rttMax = rtt
	}
	c.rttSum += rtt
	c.rttCount++
}

// Accumulator records per-sequence send and receive timestamps and keeps
// running counters for the current interval and for the whole destination
// attempt. It is driven from the single engine goroutine and is not safe
// for concurrent use.
type Accumulator struct {
	log *log.Logger

	windowSize int

	sendTimes  map[uint32]time.Time
	recvCounts map[uint32]int
	maxRecvSeq uint32

	interval counters
	total    counters

	recordSeqTime bool
	seqTimes      []SeqTime
	boundaries    []time.Time

	firstSend time.Time
}

func NewAccumulator(logger *log.Logger) *Accumulator {
	if logger == nil {
		logger = log.Default()
	}
	return &Accumulator{
		log:        logger,
		sendTimes:  make(map[uint32]time.Time),
		recvCounts: make(map[uint32]int),
	}
}

func (a *Accumulator) SetWindowSize(n int) {
	a.windowSize = n
}

// ReserveTimeSeqVectors enables the per-packet time series consumed by
// PrintResearch. Off by default: a long run records a huge number of
// packets.
func (a *Accumulator) ReserveTimeSeqVectors() {
	a.recordSeqTime = true
	a.seqTimes = make([]SeqTime, 0, 1024)
}

// EnqueueSend records a successful send of seq at time t.
func (a *Accumulator) EnqueueSend(seq uint32, t time.Time) {
	if a.firstSend.IsZero() {
		a.firstSend = t
	}
	a.sendTimes[seq] = t
	a.interval.sent++
	a.total.sent++
}

// CountSendError counts a failed send by error class.
func (a *Accumulator) CountSendError(class string) {
	a.interval.countSendError(class)
	a.total.countSendError(class)
}

// EnqueueRecv records a receive of seq at time t. A sequence seen before
// counts as a duplicate; a sequence below the highest one received so far
// counts as out-of-order; a sequence with no matching send counts as
// unexpected. RTT is inferred from the matching send record.
func (a *Accumulator) EnqueueRecv(seq uint32, t time.Time) {
	if a.recvCounts[seq] > 0 {
		a.recvCounts[seq]++
		a.interval.duplicates++
		a.total.duplicates++
		return
	}
	a.recvCounts[seq] = 1
	a.interval.received++
	a.total.received++

	if seq < a.maxRecvSeq {
		a.interval.outOfOrder++
		a.total.outOfOrder++
	} else {
		a.maxRecvSeq = seq
	}

	sent, ok := a.sendTimes[seq]
	if !ok {
		a.interval.unexpected++
		a.total.unexpected++
		return
	}
	rtt := t.Sub(sent)
	a.interval.addRTT(rtt)
	a.total.addRTT(rtt)
}

// CountDiscard counts a packet the socket adapter could not decode.
func (a *Accumulator) CountDiscard() {
	a.interval.discarded++
	a.total.discarded++
}

// InsertSequenceTime appends one entry to the time series; negative seq
// marks a receive.
func (a *Accumulator) InsertSequenceTime(seq int64, t time.Time) {
	if !a.recordSeqTime {
		return
	}
	a.seqTimes = append(a.seqTimes, SeqTime{Seq: seq, At: t})
}

// InsertIntervalBoundary marks the wall-clock end of one interval in the
// time series.
func (a *Accumulator) InsertIntervalBoundary(t time.Time) {
	if !a.recordSeqTime {
		return
	}
	a.boundaries = append(a.boundaries, t)
}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// PrintTempStats emits the summary line for the interval that just ended
// and resets the interval counters.
func (a *Accumulator) PrintTempStats() {
	c := &a.interval
	line := ""
	if c.rttCount > 0 {
		avg := c.rttSum / time.Duration(c.rttCount)
		line = formatRTT(c.rttMin, avg, c.rttMax)
	}
	a.log.Printf("sent:%d;received:%d;dup:%d;out_of_order:%d;send_errors:%d%s",
		c.sent, c.received, c.duplicates, c.outOfOrder, sumErrors(c.sendErrors), line)
	c.reset()
}

// PrintStats emits the aggregate report for one destination attempt.
func (a *Accumulator) PrintStats() {
	c := &a.total
	loss := 0.0
	if c.sent > 0 {
		loss = float64(c.sent-c.received) / float64(c.sent) * 100
	}
	a.log.Printf("--- mping statistics ---")
	a.log.Printf("%d packets transmitted, %d received, %d duplicates, %d out-of-order, %.0f%% packet loss",
		c.sent, c.received, c.duplicates, c.outOfOrder, loss)
	if c.unexpected > 0 || c.discarded > 0 {
		a.log.Printf("%d unexpected, %d undecodable", c.unexpected, c.discarded)
	}
	for class, n := range c.sendErrors {
		a.log.Printf("send errors (%s): %d", class, n)
	}
	if c.rttCount > 0 {
		avg := c.rttSum / time.Duration(c.rttCount)
		a.log.Printf("round-trip min/avg/max = %.3f/%.3f/%.3f ms",
			millis(c.rttMin), millis(avg), millis(c.rttMax))
	}
}

// PrintResearch dumps the recorded time series. Times are seconds relative
// to the first packet sent; a negative sequence number marks a receive.
func (a *Accumulator) PrintResearch() {
	for _, st := range a.seqTimes {
		a.log.Printf("%.6f %d", st.At.Sub(a.firstSend).Seconds(), st.Seq)
	}
	for _, b := range a.boundaries {
		a.log.Printf("%.6f interval", b.Sub(a.firstSend).Seconds())
	}
}

// TotalSent reports the aggregate number of probes sent so far.
func (a *Accumulator) TotalSent() int {
	return a.total.sent
}

// TotalReceived reports the aggregate number of distinct replies so far.
func (a *Accumulator) TotalReceived() int {
	return a.total.received
}

func sumErrors(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func formatRTT(min, avg, max time.Duration) string {
	return fmt.Sprintf(";rtt_min/avg/max:%.3f/%.3f/%.3f ms",
		millis(min), millis(avg), millis(max))
}
