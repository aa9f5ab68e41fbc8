// Package wire implements the framing primitives of the lockstep protocol:
// the two reserved control tokens, plain-text messages and the bounded
// single-receive model shared by client and server.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const (
	// Sentinel marks the end of a chunk stream in sentinel framing.
	Sentinel = "!<EOF>"
	// Ack acknowledges one chunk. It is also the PUT-ready reply.
	Ack = "ACK"

	// MaxMessage is the receive bound used when none is configured.
	MaxMessage = 1024

	// Hard cap on a length-prefixed payload.
	maxFramedMessage = 16 * 1024 * 1024
	frameHeaderSize  = 4
)

var (
	sentinelBytes = []byte(Sentinel)
	ackBytes      = []byte(Ack)
)

var (
	// ErrTimeout indicates a receive or send exceeded its I/O deadline.
	// The peer may simply be slow, so callers may retry on a new session.
	ErrTimeout = errors.New("i/o timeout")
	// ErrMessageTooLarge indicates a length-prefixed message above the cap.
	ErrMessageTooLarge = errors.New("message too large")
)

// EncodeToken encodes control or command text for the wire.
func EncodeToken(text string) []byte {
	return []byte(text)
}

// IsSentinel reports whether p is exactly the end-of-stream sentinel.
func IsSentinel(p []byte) bool {
	return bytes.Equal(p, sentinelBytes)
}

// IsAck reports whether p is exactly the acknowledgement token.
func IsAck(p []byte) bool {
	return bytes.Equal(p, ackBytes)
}

// Options configures a Conn.
type Options struct {
	Framing Framing
	// MaxMessage bounds a single sentinel-mode receive. It must be at least
	// the peer's chunk size or chunks arrive split.
	MaxMessage int
	// Timeout, when positive, is applied as a deadline to every receive and
	// send on transports that support deadlines.
	Timeout time.Duration
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn frames messages on top of a byte stream. It is not safe for
// concurrent use; a session owns exactly one Conn.
type Conn struct {
	rw      io.ReadWriter
	framing Framing
	timeout time.Duration
	buf     []byte
	pending []byte
	header  [frameHeaderSize]byte

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewConn wraps rw with the given framing options.
func NewConn(rw io.ReadWriter, opts Options) *Conn {
	size := opts.MaxMessage
	if size <= 0 {
		size = MaxMessage
	}
	return &Conn{
		rw:      rw,
		framing: opts.Framing,
		timeout: opts.Timeout,
		buf:     make([]byte, size),
	}
}

// Framing returns the framing mode of the connection.
func (c *Conn) Framing() Framing {
	return c.framing
}

// BytesIn returns the number of bytes received so far, headers included.
func (c *Conn) BytesIn() int64 {
	return c.bytesIn.Load()
}

// BytesOut returns the number of bytes sent so far, headers included.
func (c *Conn) BytesOut() int64 {
	return c.bytesOut.Load()
}

// Receive performs one receive and returns the message. The returned slice
// is only valid until the next call to Receive.
//
// In sentinel framing this is a single read of at most MaxMessage bytes, so a
// message may arrive split or coalesced with the next one.
func (c *Conn) Receive() ([]byte, error) {
	if c.pending != nil {
		p := c.pending
		c.pending = nil
		return p, nil
	}

	if d, ok := c.rw.(readDeadliner); ok && c.timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.timeout))
	}

	if c.framing == FramingLength {
		return c.receiveFrame()
	}

	n, err := c.rw.Read(c.buf)
	if n > 0 {
		c.bytesIn.Add(int64(n))
		return c.buf[:n], nil
	}
	if err == nil {
		// Zero-byte read without error; the caller decides what an empty
		// message means.
		return c.buf[:0], nil
	}
	return nil, wrapErr(err)
}

func (c *Conn) receiveFrame() ([]byte, error) {
	if _, err := io.ReadFull(c.rw, c.header[:]); err != nil {
		return nil, wrapErr(err)
	}
	size := binary.BigEndian.Uint32(c.header[:])
	if size > maxFramedMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	if int(size) > cap(c.buf) {
		c.buf = make([]byte, size)
	}
	p := c.buf[:size]
	if _, err := io.ReadFull(c.rw, p); err != nil {
		return nil, wrapErr(err)
	}
	c.bytesIn.Add(int64(frameHeaderSize) + int64(size))
	return p, nil
}

// ReceiveText performs one receive and decodes it as text.
func (c *Conn) ReceiveText() (string, error) {
	p, err := c.Receive()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// Unread pushes p back so the next Receive returns it. Only one message can
// be pending at a time.
func (c *Conn) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	c.pending = append([]byte(nil), p...)
}

// Send transmits p as one message. Empty payloads are not sent.
func (c *Conn) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.framing == FramingLength {
		frame := make([]byte, frameHeaderSize+len(p))
		binary.BigEndian.PutUint32(frame, uint32(len(p)))
		copy(frame[frameHeaderSize:], p)
		return c.write(frame)
	}
	return c.write(p)
}

// SendText transmits text as one message.
func (c *Conn) SendText(text string) error {
	return c.Send(EncodeToken(text))
}

// SendAck transmits the acknowledgement token.
func (c *Conn) SendAck() error {
	return c.Send(ackBytes)
}

// SendEnd transmits the end-of-stream marker for the connection's framing.
func (c *Conn) SendEnd() error {
	if c.framing == FramingLength {
		return c.write(make([]byte, frameHeaderSize))
	}
	return c.Send(sentinelBytes)
}

// IsEnd reports whether a received message is the end-of-stream marker.
func (c *Conn) IsEnd(p []byte) bool {
	if c.framing == FramingLength {
		return len(p) == 0
	}
	return IsSentinel(p)
}

// TakeEnd is IsEnd for a receiver whose peer may send its next message
// right after the end marker. In sentinel framing a message that starts with
// the sentinel ends the stream only when next accepts the bytes after it;
// those bytes are then pushed back with Unread. A nil next means exact
// matching, the same as IsEnd.
func (c *Conn) TakeEnd(p []byte, next func(rest []byte) bool) bool {
	if c.IsEnd(p) {
		return true
	}
	if c.framing == FramingLength || next == nil || !bytes.HasPrefix(p, sentinelBytes) {
		return false
	}
	rest := p[len(sentinelBytes):]
	if !next(rest) {
		return false
	}
	c.Unread(rest)
	return true
}

func (c *Conn) write(p []byte) error {
	if d, ok := c.rw.(writeDeadliner); ok && c.timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.rw.Write(p)
	c.bytesOut.Add(int64(n))
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func wrapErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
