package utils

import "net"

// IPAddrString extracts the bare IP from a net.Addr, whichever concrete
// address type the socket layer handed back.
func IPAddrString(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case *net.IPAddr:
		return a.IP.String()
	}

	return ""
}
