//go:build linux || darwin
// +build linux darwin

package probe

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setTTL(conn syscall.RawConn, v6 bool, ttl int) error {
	var err error
	if e := conn.Control(func(fd uintptr) {
		if v6 {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
		} else {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
		}
	}); e != nil {
		return e
	}

	return err
}
