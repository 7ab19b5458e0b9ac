package probe

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/m-lab/mping/stats"
	"github.com/m-lab/mping/utils"
)

const (
	icmpHeaderLen = 8
	udpHeaderLen  = 8

	// seqPrefixLen is the number of payload bytes carrying the full
	// 32-bit probe sequence in network byte order.
	seqPrefixLen = 4
)

// Conn is the socket pair used to probe one destination. Depending on the
// mode it is either a raw ICMP echo socket (send and receive), or a
// connected UDP send socket paired with a raw ICMP receive socket that
// captures time-exceeded and unreachable replies quoting the probe.
type Conn struct {
	dstIP      net.IP
	v6         bool
	clientMode bool
	id         int
	localPort  int

	icmpConn *icmp.PacketConn
	udpConn  *net.UDPConn

	deadline time.Time
	buf      []byte
	fromAddr string

	debugLogger logr.Logger
}

// Dial opens the sockets for one destination attempt. ttl == 0 without
// client mode selects raw ICMP echo; otherwise probes go out as UDP to
// dport with the given initial TTL. src, when set, binds the send socket
// to that interface address.
func Dial(dst, src string, ttl, maxBuf, win, dport int, clientMode bool, debugLogger logr.Logger) (*Conn, error) {
	dstIP := net.ParseIP(dst)
	if dstIP == nil {
		return nil, fmt.Errorf("destination %q is not an IP address", dst)
	}

	if maxBuf < 65536 {
		maxBuf = 65536
	}

	c := &Conn{
		dstIP:       dstIP,
		v6:          dstIP.To4() == nil,
		clientMode:  clientMode,
		id:          os.Getpid() & 0xffff,
		buf:         make([]byte, maxBuf),
		debugLogger: debugLogger,
	}

	if ttl == 0 && !clientMode {
		if err := c.dialICMP(src, win, maxBuf); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.dialUDP(src, ttl, dport, win, maxBuf); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) dialICMP(src string, win, maxBuf int) error {
	network, bind := "ip4:icmp", "0.0.0.0"
	if c.v6 {
		network, bind = "ip6:ipv6-icmp", "::"
	}
	if src != "" {
		bind = src
	}

	c.debugLogger.V(4).Info("listen icmp", "network", network, "addr", bind)
	conn, err := icmp.ListenPacket(network, bind)
	if err != nil {
		return err
	}
	c.icmpConn = conn
	c.setReadBuffer(win * maxBuf)
	return nil
}

func (c *Conn) dialUDP(src string, ttl, dport, win, maxBuf int) error {
	if dport == 0 {
		dport = 33434
	}
	network := "udp4"
	if c.v6 {
		network = "udp6"
	}

	var laddr *net.UDPAddr
	if src != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(src)}
	}

	conn, err := net.DialUDP(network, laddr, &net.UDPAddr{IP: c.dstIP, Port: dport})
	if err != nil {
		return err
	}
	c.udpConn = conn
	c.localPort = conn.LocalAddr().(*net.UDPAddr).Port
	c.debugLogger.V(4).Info("dial udp", "network", network,
		"local", conn.LocalAddr(), "remote", conn.RemoteAddr(), "ttl", ttl)

	if err := c.SetSendTTL(ttl); err != nil {
		return err
	}

	if c.clientMode {
		// A cooperating server echoes the probe back over UDP; the
		// connected socket is both send and receive endpoint, and the
		// kernel surfaces port-unreachable as ECONNREFUSED on send.
		c.setReadBuffer(win * maxBuf)
		return nil
	}

	// TTL sweep mode: replies are ICMP errors quoting the probe.
	icmpNetwork, bind := "ip4:icmp", "0.0.0.0"
	if c.v6 {
		icmpNetwork, bind = "ip6:ipv6-icmp", "::"
	}
	if src != "" {
		bind = src
	}
	rc, err := icmp.ListenPacket(icmpNetwork, bind)
	if err != nil {
		return err
	}
	c.icmpConn = rc
	c.setReadBuffer(win * maxBuf)
	return nil
}

func (c *Conn) setReadBuffer(n int) {
	if n <= 0 {
		return
	}
	// Best effort: the kernel may clamp it, and probing still works with
	// the default size.
	if c.icmpConn != nil {
		type readBufferSetter interface{ SetReadBuffer(int) error }
		if pc4 := c.icmpConn.IPv4PacketConn(); pc4 != nil {
			if rc, ok := pc4.PacketConn.(readBufferSetter); ok {
				_ = rc.SetReadBuffer(n)
			}
		} else if pc6 := c.icmpConn.IPv6PacketConn(); pc6 != nil {
			if rc, ok := pc6.PacketConn.(readBufferSetter); ok {
				_ = rc.SetReadBuffer(n)
			}
		}
	}
	if c.udpConn != nil {
		_ = c.udpConn.SetReadBuffer(n)
	}
}

// SetSendTTL sets the IP TTL (hop limit) on the send socket. Idempotent;
// the TTL sweep calls it once per hop value.
func (c *Conn) SetSendTTL(ttl int) error {
	if ttl <= 0 {
		return nil
	}
	if c.udpConn != nil {
		sc, err := c.udpConn.SyscallConn()
		if err != nil {
			return err
		}
		return setTTL(sc, c.v6, ttl)
	}
	if c.v6 {
		return c.icmpConn.IPv6PacketConn().SetHopLimit(ttl)
	}
	return c.icmpConn.IPv4PacketConn().SetTTL(ttl)
}

// ArmAlarm sets the absolute receive deadline for subsequent
// ReceiveAndGetSeq calls. The engine arms it once per tick, so a blocked
// receive never outlives the tick by more than d.
func (c *Conn) ArmAlarm(d time.Duration) {
	c.deadline = time.Now().Add(d)
}

// SendPacket sends one probe of size bytes (total IP packet length,
// headers included) carrying seq. It returns the number of payload bytes
// written; classification of send errors is left to the caller.
func (c *Conn) SendPacket(seq uint32, size int) (int, error) {
	if c.udpConn != nil {
		payload := buildPayload(seq, size-c.ipHeaderLen()-udpHeaderLen)
		return c.udpConn.Write(payload)
	}

	payload := buildPayload(seq, size-c.ipHeaderLen()-icmpHeaderLen)
	m := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   c.id,
			Seq:  int(seq & 0xffff),
			Data: payload,
		},
	}
	if c.v6 {
		m.Type = ipv6.ICMPTypeEchoRequest
	}
	wb, err := m.Marshal(nil)
	if err != nil {
		return 0, err
	}
	return c.icmpConn.WriteTo(wb, &net.IPAddr{IP: c.dstIP})
}

// ReceiveAndGetSeq blocks until a reply carrying a probe sequence arrives
// or the armed deadline passes. Undecodable and foreign packets are
// counted and skipped; the call keeps reading until it decodes a valid
// sequence or the deadline error surfaces.
func (c *Conn) ReceiveAndGetSeq(stat *stats.Accumulator) (uint32, error) {
	if c.clientMode {
		return c.receiveUDPEcho(stat)
	}
	return c.receiveICMP(stat)
}

func (c *Conn) receiveUDPEcho(stat *stats.Accumulator) (uint32, error) {
	for {
		if err := c.udpConn.SetReadDeadline(c.deadline); err != nil {
			return 0, err
		}
		n, err := c.udpConn.Read(c.buf)
		if err != nil {
			return 0, err
		}
		seq, ok := decodeEchoedPayload(c.buf[:n])
		if !ok {
			stat.CountDiscard()
			continue
		}
		c.fromAddr = utils.IPAddrString(c.udpConn.RemoteAddr())
		return seq, nil
	}
}

func (c *Conn) receiveICMP(stat *stats.Accumulator) (uint32, error) {
	proto := protocolICMP
	if c.v6 {
		proto = protocolICMPv6
	}
	for {
		if err := c.icmpConn.SetReadDeadline(c.deadline); err != nil {
			return 0, err
		}
		n, peer, err := c.icmpConn.ReadFrom(c.buf)
		if err != nil {
			return 0, err
		}

		m, err := icmp.ParseMessage(proto, c.buf[:n])
		if err != nil {
			c.debugLogger.V(4).Info("drop unparseable packet", "bytes", n, "from", peer)
			stat.CountDiscard()
			continue
		}

		var seq uint32
		var ok bool
		if c.udpConn != nil {
			seq, ok = decodeErrorReply(m, c.v6, c.dstIP, c.localPort)
		} else {
			seq, ok = decodeEchoReply(m, c.v6, c.id)
		}
		if !ok {
			c.debugLogger.V(4).Info("drop foreign packet", "type", m.Type, "from", peer)
			stat.CountDiscard()
			continue
		}
		c.fromAddr = utils.IPAddrString(peer)
		return seq, nil
	}
}

// FromAddress reports the source address of the last decoded reply. The
// TTL sweep uses it to identify the responding hop.
func (c *Conn) FromAddress() string {
	return c.fromAddr
}

func (c *Conn) Close() error {
	var first error
	if c.icmpConn != nil {
		if err := c.icmpConn.Close(); err != nil {
			first = err
		}
	}
	if c.udpConn != nil {
		if err := c.udpConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Conn) ipHeaderLen() int {
	if c.v6 {
		return ipv6.HeaderLen
	}
	return ipv4.HeaderLen
}
