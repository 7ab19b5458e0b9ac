package mping

import (
	"fmt"
	"net"
	"os"
)

const (
	defaultTTL        = 255
	defaultPacketSize = 64
	minPacketSize     = 64
	maxPacketSize     = 65535
)

// Config is the immutable run configuration, resolved once at startup.
type Config struct {
	// WindowSize is the target number of probes kept in transit.
	WindowSize int
	// Loop keeps the window fixed at WindowSize instead of ramping 1..WindowSize.
	Loop bool
	// Rate is parsed for compatibility but reserved; the engine does not
	// rate-limit.
	Rate int
	// SlowStart caps window opening at 2 new probes per tick instead of 10.
	SlowStart bool
	// TTL selects UDP transport with this TTL; 0 means ICMP echo.
	TTL int
	// IncTTL sweeps the TTL from 1 up to this value; forces UDP transport.
	IncTTL int
	// PacketSize is the total IP packet length of each probe, headers
	// included. Exactly one of PacketSize > 0 and LoopSize < 0 holds after
	// validation.
	PacketSize int
	// LoopSize in {-1,-2,-3,-4} sweeps packet sizes from a table or in
	// steps of 64, 128 or 256 bytes.
	LoopSize int
	// Burst sends this many back-to-back probes per tick once the window
	// has stabilized; 0 disables.
	Burst int
	// DstPort is the UDP destination port for -t/-a/-c transports.
	DstPort int
	// ServerPort, when > 0, runs the UDP echo server instead of probing.
	ServerPort int
	ServerIPv4 bool
	ServerIPv6 bool
	// ClientMode probes a cooperating echo server over UDP.
	ClientMode bool
	// PrintSeqTime records and dumps the per-packet time series.
	PrintSeqTime bool
	// SrcAddr binds the send socket to this interface address.
	SrcAddr string
	// DstHost is the target host name or address.
	DstHost string

	destIPs []string

	// warnf, when set, receives clamp warnings instead of stderr.
	warnf func(format string, args ...interface{})
}

func (c *Config) warn(format string, args ...interface{}) {
	if c.warnf != nil {
		c.warnf(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// IsServerMode reports whether the configuration selects the echo server.
func (c *Config) IsServerMode() bool {
	return c.ServerPort > 0
}

// Validate checks flag combinations, applies the documented defaults and
// clamps, and resolves the destination host to its candidate addresses.
func (c *Config) Validate() error {
	if c.IsServerMode() {
		if c.ServerPort > 65535 {
			return fmt.Errorf("server port cannot be larger than 65535")
		}
		if c.ServerIPv4 == c.ServerIPv6 {
			return fmt.Errorf("need to know the socket family, use -4 or -6")
		}
		return nil
	}

	if c.DstHost == "" {
		return fmt.Errorf("must have destination host")
	}

	if c.ClientMode {
		if c.DstPort == 0 {
			return fmt.Errorf("client mode must have destination port using -p")
		}
		if c.TTL == 0 {
			c.TTL = defaultTTL
		}
	}

	if c.IncTTL < 0 || c.IncTTL > 255 {
		c.warn("WARNING: auto-increment TTL %d is either > 255 or < 0, now set auto-increment TTL to 255.", c.IncTTL)
		c.IncTTL = 255
	}
	// -a forces UDP transport at the sweep ceiling.
	if c.IncTTL > 0 {
		c.TTL = c.IncTTL
	}
	if c.TTL < 0 || c.TTL > 255 {
		c.warn("WARNING: TTL %d is either > 255 or < 0, now set TTL to 255.", c.TTL)
		c.TTL = 255
	}

	if c.LoopSize < -4 || c.LoopSize > 0 {
		return fmt.Errorf("loop through message size can only take -1, -2, -3 or -4")
	}
	if c.PacketSize < 0 {
		return fmt.Errorf("packet size cannot be negative")
	}
	if c.PacketSize > maxPacketSize {
		return fmt.Errorf("packet size cannot be larger than %d", maxPacketSize)
	}
	if c.PacketSize == 0 && c.LoopSize == 0 {
		c.PacketSize = defaultPacketSize
	}
	if c.PacketSize > 0 {
		if c.LoopSize < 0 {
			return fmt.Errorf("-b takes either a packet size or a sweep selector, not both")
		}
		if c.PacketSize < minPacketSize {
			return fmt.Errorf("packet size must be at least %d", minPacketSize)
		}
	}

	if c.WindowSize <= 0 || c.WindowSize > 65535 {
		return fmt.Errorf("window size must be between 1 and 65535")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst cannot be negative")
	}
	if c.Burst > c.WindowSize {
		return fmt.Errorf("burst %d must not exceed window size %d", c.Burst, c.WindowSize)
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate cannot be negative")
	}

	if c.SrcAddr != "" && net.ParseIP(c.SrcAddr) == nil {
		return fmt.Errorf("local address %q invalid, only numeric IP addresses are accepted", c.SrcAddr)
	}

	if c.DstPort > 0 {
		if c.TTL == 0 && !c.ClientMode {
			return fmt.Errorf("-p can only be used together with -t, -a or -c")
		}
		if c.DstPort > 65535 {
			return fmt.Errorf("UDP destination port cannot be larger than 65535")
		}
	}

	ips, err := net.LookupIP(c.DstHost)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("destination host %q invalid", c.DstHost)
	}
	c.destIPs = c.destIPs[:0]
	for _, ip := range ips {
		c.destIPs = append(c.destIPs, ip.String())
	}

	return nil
}
