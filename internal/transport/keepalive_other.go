//go:build !linux

package transport

import (
	"errors"
	"net"
	"time"
)

func setKeepAliveProbes(conn *net.TCPConn, interval time.Duration, probes int) error {
	return errors.New("probe tuning not supported on this platform")
}
