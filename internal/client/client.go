// Package client implements the client side of a lockstep session.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/lockstep/internal/logging"
	"github.com/sheerbytes/lockstep/internal/progress"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transfer"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sheerbytes/lockstep/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned by operations on a handle without an open
	// session.
	ErrNotConnected = errors.New("not connected to server")
	// ErrAlreadyConnected is returned by Open on a handle that is open.
	ErrAlreadyConnected = errors.New("already connected; close the current session first")
	// ErrPutRejected is returned when the server answers PUT with anything
	// other than ACK. No chunks are sent.
	ErrPutRejected = errors.New("put rejected by server")
	// ErrCloseRejected is returned when the server answers CLOSE with
	// anything other than BYE. The session stays open.
	ErrCloseRejected = errors.New("close rejected by server")
)

// RemoteError carries a text reply from the server, such as
// "File a.txt Not Found" or "Invalid Command Format.".
type RemoteError struct {
	Reply string
}

func (e *RemoteError) Error() string {
	return "server: " + e.Reply
}

// DialFunc opens the underlying connection for Open.
type DialFunc func(ctx context.Context, addr string) (transport.Conn, error)

// Options configures a Client.
type Options struct {
	Transport   transport.Kind
	Framing     wire.Framing
	ChunkSize   int
	IOTimeout   time.Duration
	DialTimeout time.Duration
	KeepAlive   time.Duration
	// Dial overrides how connections are made. Defaults to transport.Dial
	// with the options above.
	Dial DialFunc
	// Meter, if set, tracks every transfer.
	Meter  *progress.Meter
	Logger *logrus.Entry
}

// Client is a handle on at most one session. It is not safe for concurrent
// use: the protocol allows one command in flight per session.
type Client struct {
	store store.Store
	opts  Options
	log   *logrus.Entry

	conn  transport.Conn
	wc    *wire.Conn
	state protocol.State
	addr  string
}

// New creates a disconnected client reading and writing files in st.
func New(st store.Store, opts Options) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transfer.DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	c := &Client{
		store: st,
		opts:  opts,
		log:   log,
		state: protocol.StateClosed,
	}
	if c.opts.Dial == nil {
		c.opts.Dial = c.dialTransport
	}
	return c
}

func (c *Client) dialTransport(ctx context.Context, addr string) (transport.Conn, error) {
	return transport.Dial(ctx, c.opts.Transport, addr, transport.Options{
		KeepAlive:   c.opts.KeepAlive,
		DialTimeout: c.opts.DialTimeout,
		Logger:      c.log,
	})
}

// Connected reports whether the handle has an open session.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// State returns the session state of the handle.
func (c *Client) State() protocol.State {
	return c.state
}

// Open connects to addr and consumes the greeting, which it returns.
func (c *Client) Open(ctx context.Context, addr string) (string, error) {
	if c.Connected() {
		return "", ErrAlreadyConnected
	}

	conn, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", addr, err)
	}

	maxMessage := c.opts.ChunkSize
	if maxMessage < wire.MaxMessage {
		maxMessage = wire.MaxMessage
	}
	// Room for FOUND and a whole first chunk in one receive.
	maxMessage += len(protocol.ReplyFound)
	c.conn = conn
	c.addr = addr
	c.wc = wire.NewConn(conn, wire.Options{
		Framing:    c.opts.Framing,
		MaxMessage: maxMessage,
		Timeout:    c.opts.IOTimeout,
	})
	c.state = protocol.StateAwaitingGreeting

	greeting, err := c.wc.ReceiveText()
	if err != nil {
		c.release()
		return "", fmt.Errorf("read greeting from %s: %w", addr, err)
	}
	if greeting == protocol.ReplyServerBusy {
		c.release()
		return "", &RemoteError{Reply: greeting}
	}

	c.transition(protocol.StateReady)
	c.log.WithFields(logrus.Fields{"addr": addr, "greeting": greeting}).Info("connected")
	return greeting, nil
}

// Close ends the session with CLOSE. A reply other than BYE leaves the
// session open and returns ErrCloseRejected.
func (c *Client) Close(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	reply, err := c.roundTrip(protocol.Command{Verb: protocol.VerbClose})
	if err != nil {
		return err
	}
	if reply != protocol.ReplyBye {
		return fmt.Errorf("%w: %w", ErrCloseRejected, &RemoteError{Reply: reply})
	}

	c.release()
	c.log.WithField("addr", c.addr).Info("session closed")
	return nil
}

// Quit closes the session if one is open. Quitting a closed handle is not
// an error.
func (c *Client) Quit(ctx context.Context) error {
	if !c.Connected() {
		return nil
	}
	return c.Close(ctx)
}

// Get downloads name into the local store. A missing remote file returns a
// RemoteError and leaves the local store untouched.
func (c *Client) Get(ctx context.Context, name string) (transfer.Stats, error) {
	if !c.Connected() {
		return transfer.Stats{}, ErrNotConnected
	}
	cmd, err := protocol.NewCommand(protocol.VerbGet, name)
	if err != nil {
		return transfer.Stats{}, err
	}

	if err := c.send(cmd); err != nil {
		return transfer.Stats{}, err
	}
	msg, err := c.wc.Receive()
	if err != nil {
		return transfer.Stats{}, c.transportFailure("read GET reply", err)
	}
	if !c.isFound(msg) {
		return transfer.Stats{}, &RemoteError{Reply: string(msg)}
	}

	c.transition(protocol.StateInTransfer)
	defer c.settle()

	dst, err := c.store.OpenWrite(name)
	if err != nil {
		// The server is already streaming; swallow it to stay in step.
		if _, drainErr := transfer.Receive(ctx, c.wc, io.Discard, c.transferOptions()); drainErr != nil {
			return transfer.Stats{}, c.transferFailure(drainErr)
		}
		return transfer.Stats{}, fmt.Errorf("%w: open %s: %w", transfer.ErrLocal, name, err)
	}

	stats, err := transfer.Receive(ctx, c.wc, dst, c.transferOptions())
	closeErr := dst.Close()
	if errors.Is(err, transfer.ErrLocal) {
		if abandonErr := transfer.Abandon(ctx, c.wc, c.transferOptions()); abandonErr != nil {
			return stats, c.transferFailure(abandonErr)
		}
		return stats, err
	}
	if err != nil {
		return stats, c.transferFailure(err)
	}
	if closeErr != nil {
		return stats, fmt.Errorf("%w: close %s: %w", transfer.ErrLocal, name, closeErr)
	}

	c.log.WithFields(logrus.Fields{"file": name, "bytes": stats.Bytes, "chunks": stats.Chunks}).Info("file received")
	return stats, nil
}

// Put uploads name from the local store. A missing local file fails before
// anything is sent.
func (c *Client) Put(ctx context.Context, name string) (transfer.Stats, error) {
	if !c.Connected() {
		return transfer.Stats{}, ErrNotConnected
	}
	cmd, err := protocol.NewCommand(protocol.VerbPut, name)
	if err != nil {
		return transfer.Stats{}, err
	}

	src, err := c.store.OpenRead(name)
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()

	reply, err := c.roundTrip(cmd)
	if err != nil {
		return transfer.Stats{}, err
	}
	if reply != wire.Ack {
		return transfer.Stats{}, fmt.Errorf("%w: %w", ErrPutRejected, &RemoteError{Reply: reply})
	}

	c.transition(protocol.StateInTransfer)
	defer c.settle()

	opts := c.transferOptions()
	if size, ok := store.Size(src); ok {
		opts.Total = size
	}
	stats, err := transfer.Send(ctx, c.wc, src, opts)
	if errors.Is(err, transfer.ErrLocal) {
		// End the stream so the server stores what it has and stays in step.
		if endErr := c.wc.SendEnd(); endErr != nil {
			return stats, c.transportFailure("send end of stream", endErr)
		}
		return stats, err
	}
	if err != nil {
		return stats, c.transferFailure(err)
	}

	c.log.WithFields(logrus.Fields{"file": name, "bytes": stats.Bytes, "chunks": stats.Chunks}).Info("file sent")
	return stats, nil
}

// isFound reports whether msg is the FOUND reply. In sentinel framing the
// first chunk may arrive in the same read; it is pushed back for the
// transfer.
func (c *Client) isFound(msg []byte) bool {
	found := []byte(protocol.ReplyFound)
	if c.wc.Framing() != wire.FramingSentinel {
		return bytes.Equal(msg, found)
	}
	if !bytes.HasPrefix(msg, found) {
		return false
	}
	c.wc.Unread(msg[len(found):])
	return true
}

func (c *Client) send(cmd protocol.Command) error {
	if err := c.wc.SendText(cmd.String()); err != nil {
		return c.transportFailure("send "+string(cmd.Verb), err)
	}
	return nil
}

func (c *Client) roundTrip(cmd protocol.Command) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	reply, err := c.wc.ReceiveText()
	if err != nil {
		return "", c.transportFailure("read "+string(cmd.Verb)+" reply", err)
	}
	return reply, nil
}

func (c *Client) transferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize: c.opts.ChunkSize,
		Meter:     c.opts.Meter,
		Logger:    c.log,
	}
}

// transferFailure handles an error from the transfer engine. Anything but a
// local store failure leaves the connection unusable.
func (c *Client) transferFailure(err error) error {
	if errors.Is(err, transfer.ErrLocal) {
		return err
	}
	c.release()
	return err
}

func (c *Client) transportFailure(op string, err error) error {
	c.release()
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) settle() {
	if c.Connected() {
		c.transition(protocol.StateReady)
	}
}

// transition moves the handle to next if the state machine allows it. An
// illegal move is logged and leaves the state unchanged.
func (c *Client) transition(next protocol.State) bool {
	if c.state == next {
		return true
	}
	if !c.state.CanTransition(next) {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": next}).Warn("illegal state transition")
		return false
	}
	c.state = next
	return true
}

func (c *Client) release() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.wc = nil
	c.state = protocol.StateClosed
}
