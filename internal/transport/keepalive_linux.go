//go:build linux

package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func setKeepAliveProbes(conn *net.TCPConn, interval time.Duration, probes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); e != nil {
			sockErr = fmt.Errorf("TCP_KEEPINTVL: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, probes); e != nil {
			sockErr = fmt.Errorf("TCP_KEEPCNT: %w", e)
		}
	})
	if err != nil {
		return fmt.Errorf("raw control: %w", err)
	}
	return sockErr
}
