package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type tcpListener struct {
	ln   net.Listener
	opts Options
}

// ListenTCP binds a TCP listener on addr.
func ListenTCP(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{ln: ln, opts: opts}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- res{conn: c, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, r.err
		}
		l.tune(r.conn)
		return r.conn, nil
	}
}

func (l *tcpListener) tune(c net.Conn) {
	if l.opts.KeepAlive <= 0 {
		return
	}
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	res := SetKeepAlive(tcpConn, l.opts.KeepAlive)
	if res.Status != StatusOK {
		l.opts.logger().WithField("remote", c.RemoteAddr().String()).
			WithField("status", res.Status).
			Debugf("keepalive tuning incomplete: %s", res.Err)
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// DialTCP connects to addr over TCP.
func DialTCP(ctx context.Context, addr string, opts Options) (Conn, error) {
	d := net.Dialer{Timeout: opts.dialTimeout()}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := c.(*net.TCPConn); ok && opts.KeepAlive > 0 {
		SetKeepAlive(tcpConn, opts.KeepAlive)
	}
	return c, nil
}
