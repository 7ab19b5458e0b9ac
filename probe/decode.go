package probe

import (
	"encoding/binary"
	"net"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP   = 1
	protocolICMPv6 = 58
)

// buildPayload fills a probe payload of length bytes whose first four
// bytes carry seq in network byte order, padded with an incrementing byte
// pattern. A payload always has room for the sequence prefix.
func buildPayload(seq uint32, length int) []byte {
	if length < seqPrefixLen {
		length = seqPrefixLen
	}
	b := make([]byte, length)
	binary.BigEndian.PutUint32(b, seq)
	for i := seqPrefixLen; i < length; i++ {
		b[i] = byte(0x08 + i - seqPrefixLen)
	}
	return b
}

// decodeEchoedPayload recovers the sequence from a payload echoed back
// verbatim by a cooperating UDP server.
func decodeEchoedPayload(b []byte) (uint32, bool) {
	if len(b) < seqPrefixLen {
		return 0, false
	}
	seq := binary.BigEndian.Uint32(b)
	if seq == 0 {
		return 0, false
	}
	return seq, true
}

// decodeEchoReply extracts the full probe sequence from an ICMP echo
// reply. The reply must carry our identifier and at least the 4-byte
// sequence prefix in its payload.
func decodeEchoReply(m *icmp.Message, v6 bool, id int) (uint32, bool) {
	if v6 {
		if m.Type != ipv6.ICMPTypeEchoReply {
			return 0, false
		}
	} else {
		if m.Type != ipv4.ICMPTypeEchoReply {
			return 0, false
		}
	}
	echo, ok := m.Body.(*icmp.Echo)
	if !ok || echo.ID != id {
		return 0, false
	}
	return decodeEchoedPayload(echo.Data)
}

// decodeErrorReply extracts the probe sequence from an ICMP time-exceeded
// or destination-unreachable message quoting one of our UDP probes. The
// quoted datagram is verified against our destination address and local
// port; quotes truncated before the sequence prefix are undecodable.
func decodeErrorReply(m *icmp.Message, v6 bool, dst net.IP, localPort int) (uint32, bool) {
	var quoted []byte
	switch body := m.Body.(type) {
	case *icmp.TimeExceeded:
		quoted = body.Data
	case *icmp.DstUnreach:
		quoted = body.Data
	default:
		return 0, false
	}

	var l4 []byte
	if v6 {
		hdr, err := ipv6.ParseHeader(quoted)
		if err != nil || hdr.NextHeader != 17 || !hdr.Dst.Equal(dst) {
			return 0, false
		}
		if len(quoted) < ipv6.HeaderLen {
			return 0, false
		}
		l4 = quoted[ipv6.HeaderLen:]
	} else {
		hdr, err := ipv4.ParseHeader(quoted)
		if err != nil || hdr.Protocol != 17 || !hdr.Dst.Equal(dst) {
			return 0, false
		}
		if len(quoted) < hdr.Len {
			return 0, false
		}
		l4 = quoted[hdr.Len:]
	}

	if len(l4) < udpHeaderLen+seqPrefixLen {
		return 0, false
	}
	srcPort := int(binary.BigEndian.Uint16(l4[0:2]))
	if srcPort != localPort {
		return 0, false
	}
	seq := binary.BigEndian.Uint32(l4[udpHeaderLen : udpHeaderLen+seqPrefixLen])
	if seq == 0 {
		return 0, false
	}
	return seq, true
}
