package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/lockstep/internal/bufpool"
	"github.com/sheerbytes/lockstep/internal/progress"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the chunk size of the reference protocol.
const DefaultChunkSize = 1024

var (
	// ErrTransport marks failures of the underlying connection. They end the
	// session.
	ErrTransport = errors.New("transport failure")
	// ErrLocal marks failures of the local byte store. The connection is
	// still usable but the transfer is abandoned.
	ErrLocal = errors.New("local store failure")
)

// Direction of a transfer relative to the local side.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	if d == Receiving {
		return "receive"
	}
	return "send"
}

// Options tunes a single transfer.
type Options struct {
	// ChunkSize bounds each chunk sent. Defaults to DefaultChunkSize.
	ChunkSize int
	// Meter, if set, is started at the beginning of the transfer and updated
	// per chunk.
	Meter *progress.Meter
	// Total is the expected size in bytes, zero when unknown. It feeds the
	// meter's percentage and ETA.
	Total int64
	// NextMessage, when set, lets Receive recognise an end marker that
	// arrived in the same read as the peer's next message. It is given the
	// bytes after a leading sentinel and reports whether they are such a
	// message. Only the side that receives PUT data needs it.
	NextMessage func(rest []byte) bool
	Logger      *logrus.Entry
}

// Stats summarises a finished or aborted transfer.
type Stats struct {
	Direction Direction
	Bytes     int64
	Total     int64
	Chunks    int64
	Duration  time.Duration
	RateBps   float64
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

func (o Options) meter() *progress.Meter {
	if o.Meter != nil {
		return o.Meter
	}
	return progress.NewMeter()
}

func statsFrom(dir Direction, m *progress.Meter) Stats {
	snap := m.Snapshot()
	return Stats{
		Direction: dir,
		Bytes:     snap.BytesDone,
		Total:     snap.Total,
		Chunks:    snap.Chunks,
		Duration:  snap.Elapsed,
		RateBps:   snap.RateBps,
	}
}

// Send streams src to the peer one chunk at a time. After each chunk it
// blocks for exactly one receive, which is taken as the acknowledgement
// whatever it contains. When src is exhausted it sends the end-of-stream
// marker and returns without waiting for a reply.
func Send(ctx context.Context, conn *wire.Conn, src io.Reader, opts Options) (Stats, error) {
	pool := bufpool.Shared(opts.chunkSize())
	buf := pool.Get()
	defer pool.Put(buf)

	meter := opts.meter()
	meter.Start(opts.Total)

	for {
		select {
		case <-ctx.Done():
			return statsFrom(Sending, meter), ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(src, buf)
		if n == 0 {
			if readErr != nil && readErr != io.EOF {
				return statsFrom(Sending, meter), fmt.Errorf("%w: read chunk: %w", ErrLocal, readErr)
			}
			if err := conn.SendEnd(); err != nil {
				return statsFrom(Sending, meter), fmt.Errorf("%w: send end of stream: %w", ErrTransport, err)
			}
			return statsFrom(Sending, meter), nil
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return statsFrom(Sending, meter), fmt.Errorf("%w: read chunk: %w", ErrLocal, readErr)
		}

		if err := conn.Send(buf[:n]); err != nil {
			return statsFrom(Sending, meter), fmt.Errorf("%w: send chunk: %w", ErrTransport, err)
		}
		meter.AddChunk(n)

		ack, err := conn.Receive()
		if err != nil {
			return statsFrom(Sending, meter), fmt.Errorf("%w: await acknowledgement: %w", ErrTransport, err)
		}
		if !wire.IsAck(ack) && opts.Logger != nil {
			opts.Logger.WithField("reply_bytes", len(ack)).Debug("non-ACK reply accepted as acknowledgement")
		}
	}
}

// Receive appends chunks from the peer to dst, acknowledging each one, until
// the end-of-stream marker arrives. The marker itself is not acknowledged.
// With opts.NextMessage set, a message the peer sent right after the marker
// is left for the next receive.
// On error dst keeps whatever was written so far.
func Receive(ctx context.Context, conn *wire.Conn, dst io.Writer, opts Options) (Stats, error) {
	meter := opts.meter()
	meter.Start(opts.Total)

	for {
		select {
		case <-ctx.Done():
			return statsFrom(Receiving, meter), ctx.Err()
		default:
		}

		msg, err := conn.Receive()
		if err != nil {
			return statsFrom(Receiving, meter), fmt.Errorf("%w: receive chunk: %w", ErrTransport, err)
		}
		if conn.TakeEnd(msg, opts.NextMessage) {
			return statsFrom(Receiving, meter), nil
		}
		if len(msg) == 0 {
			continue
		}

		if _, err := dst.Write(msg); err != nil {
			return statsFrom(Receiving, meter), fmt.Errorf("%w: write chunk: %w", ErrLocal, err)
		}
		meter.AddChunk(len(msg))

		if err := conn.SendAck(); err != nil {
			return statsFrom(Receiving, meter), fmt.Errorf("%w: send acknowledgement: %w", ErrTransport, err)
		}
	}
}

// Abandon keeps a receiving session in step after a local write failure:
// it acknowledges the chunk that could not be stored and discards the rest
// of the stream up to the end marker.
func Abandon(ctx context.Context, conn *wire.Conn, opts Options) error {
	if err := conn.SendAck(); err != nil {
		return fmt.Errorf("%w: send acknowledgement: %w", ErrTransport, err)
	}
	opts.Meter = nil
	_, err := Receive(ctx, conn, io.Discard, opts)
	return err
}
