package transport

import (
	"net"
	"time"
)

// Tuning outcomes.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusDenied  = "denied"
	StatusNA      = "n/a"
)

const keepAliveProbes = 3

// KeepAliveResult reports how much of the keepalive tuning took effect.
type KeepAliveResult struct {
	Idle     time.Duration
	Interval time.Duration
	Probes   int
	Status   string
	Err      string
}

// SetKeepAlive enables TCP keepalive on conn with the given idle time and
// tightens the probe interval and count where the platform allows it.
func SetKeepAlive(conn *net.TCPConn, idle time.Duration) KeepAliveResult {
	res := KeepAliveResult{
		Idle:     idle,
		Interval: keepAliveInterval(idle),
		Probes:   keepAliveProbes,
		Status:   StatusOK,
	}
	if conn == nil {
		res.Status = StatusNA
		res.Err = "no TCP connection"
		return res
	}
	if err := conn.SetKeepAlive(true); err != nil {
		res.Status = StatusDenied
		res.Err = err.Error()
		return res
	}
	if err := conn.SetKeepAlivePeriod(idle); err != nil {
		res.Status = StatusPartial
		res.Err = err.Error()
		return res
	}
	if err := setKeepAliveProbes(conn, res.Interval, res.Probes); err != nil {
		res.Status = StatusPartial
		res.Err = err.Error()
	}
	return res
}

func keepAliveInterval(idle time.Duration) time.Duration {
	interval := idle / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
