//go:build windows
// +build windows

package probe

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setTTL(conn syscall.RawConn, v6 bool, ttl int) error {
	var err error
	if e := conn.Control(func(fd uintptr) {
		if v6 {
			err = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_UNICAST_HOPS, ttl)
		} else {
			err = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TTL, ttl)
		}
	}); e != nil {
		return e
	}

	return err
}
