// Package transport provides the connection-oriented byte streams that carry
// lockstep sessions: plain TCP, a single QUIC stream, or a WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind names a transport.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
)

var (
	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")
	// ErrUnknownKind is returned for unsupported transport names.
	ErrUnknownKind = errors.New("unknown transport")
)

// ParseKind parses a transport name. The empty string selects TCP.
func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case "", KindTCP:
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindWS:
		return KindWS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// Conn is one bidirectional ordered byte stream between a client and the
// server. It is owned by exactly one session.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts Conns on one endpoint.
type Listener interface {
	// Accept blocks until a Conn arrives, ctx is done or the listener is
	// closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Options tunes listeners and dialers.
type Options struct {
	// KeepAlive is the TCP keepalive idle time. Zero leaves the OS default.
	KeepAlive time.Duration
	// DialTimeout bounds connection establishment on the client.
	DialTimeout time.Duration
	// CloseGrace is how long a server-side QUIC conn waits for the peer to
	// hang up before closing the connection itself.
	CloseGrace time.Duration
	Logger     *logrus.Entry
}

func (o Options) logger() *logrus.Entry {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

// Listen binds addr with the given transport.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case KindTCP, "":
		return ListenTCP(addr, opts)
	case KindQUIC:
		return ListenQUIC(addr, opts)
	case KindWS:
		return ListenWS(addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Dial connects to addr with the given transport.
func Dial(ctx context.Context, kind Kind, addr string, opts Options) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
	defer cancel()

	switch kind {
	case KindTCP, "":
		return DialTCP(ctx, addr, opts)
	case KindQUIC:
		return DialQUIC(ctx, addr, opts)
	case KindWS:
		return DialWS(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
