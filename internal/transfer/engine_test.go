package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sheerbytes/lockstep/internal/progress"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendResult struct {
	stats Stats
	err   error
}

func connPair(t *testing.T, opts wire.Options) (*wire.Conn, *wire.Conn, net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return wire.NewConn(a, opts), wire.NewConn(b, opts), a, b
}

func startSend(ctx context.Context, conn *wire.Conn, data []byte, opts Options) <-chan sendResult {
	done := make(chan sendResult, 1)
	go func() {
		stats, err := Send(ctx, conn, bytes.NewReader(data), opts)
		done <- sendResult{stats: stats, err: err}
	}()
	return done
}

func TestSendReceive_RoundTrip(t *testing.T) {
	for _, framing := range []wire.Framing{wire.FramingSentinel, wire.FramingLength} {
		t.Run(framing.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sender, receiver, _, _ := connPair(t, wire.Options{Framing: framing})
			data := make([]byte, 5000)
			_, err := rand.Read(data)
			require.NoError(t, err)

			done := startSend(ctx, sender, data, Options{ChunkSize: 1024})

			var out bytes.Buffer
			meter := progress.NewMeter()
			recvStats, err := Receive(ctx, receiver, &out, Options{Meter: meter})
			require.NoError(t, err)

			res := <-done
			require.NoError(t, res.err)

			assert.Equal(t, data, out.Bytes())
			assert.Equal(t, int64(5000), res.stats.Bytes)
			assert.Equal(t, int64(5), res.stats.Chunks)
			assert.Equal(t, Sending, res.stats.Direction)
			assert.Equal(t, int64(5000), recvStats.Bytes)
			assert.Equal(t, Receiving, recvStats.Direction)
			assert.Equal(t, int64(5000), meter.Snapshot().BytesDone)
		})
	}
}

func TestSendReceive_EmptySource(t *testing.T) {
	ctx := context.Background()
	sender, receiver, _, _ := connPair(t, wire.Options{})

	done := startSend(ctx, sender, nil, Options{})

	var out bytes.Buffer
	stats, err := Receive(ctx, receiver, &out, Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.Bytes)
	assert.Zero(t, out.Len())
	require.NoError(t, (<-done).err)
}

func TestSend_WaitsForAcknowledgement(t *testing.T) {
	ctx := context.Background()
	sender, _, _, peer := connPair(t, wire.Options{})
	data := bytes.Repeat([]byte("x"), 2048)

	done := startSend(ctx, sender, data, Options{ChunkSize: 1024})

	buf := make([]byte, 4096)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	// Nothing more may arrive until the chunk is acknowledged.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = peer.Read(buf)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
	require.NoError(t, peer.SetReadDeadline(time.Time{}))

	_, err = peer.Write([]byte(wire.Ack))
	require.NoError(t, err)
	n, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	// Any reply counts as an acknowledgement.
	_, err = peer.Write([]byte("whatever"))
	require.NoError(t, err)
	n, err = peer.Read(buf)
	require.NoError(t, err)
	assert.True(t, wire.IsSentinel(buf[:n]))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(2), res.stats.Chunks)
}

func TestReceive_DoesNotAcknowledgeEnd(t *testing.T) {
	ctx := context.Background()
	_, receiver, peer, _ := connPair(t, wire.Options{})

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		_, err := Receive(ctx, receiver, &out, Options{})
		done <- err
	}()

	_, err := peer.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.Ack, string(buf[:n]))

	_, err = peer.Write([]byte(wire.Sentinel))
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "hello", out.String())

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = peer.Read(buf)
	assert.Error(t, err, "no acknowledgement expected after end of stream")
}

// A chunk byte-identical to the sentinel ends the stream early in sentinel
// framing. This is a known limitation; length framing does not have it.
func TestSentinelCollision(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := []byte(wire.Sentinel)

	t.Run("sentinel framing truncates", func(t *testing.T) {
		sender, receiver, a, _ := connPair(t, wire.Options{})
		done := startSend(ctx, sender, payload, Options{})

		var out bytes.Buffer
		stats, err := Receive(ctx, receiver, &out, Options{})
		require.NoError(t, err)
		assert.Zero(t, stats.Bytes)
		assert.Zero(t, out.Len())

		// The sender is still waiting for an acknowledgement that never comes.
		a.Close()
		res := <-done
		assert.ErrorIs(t, res.err, ErrTransport)
	})

	t.Run("length framing delivers", func(t *testing.T) {
		opts := wire.Options{Framing: wire.FramingLength}
		sender, receiver, _, _ := connPair(t, opts)
		done := startSend(ctx, sender, payload, Options{})

		var out bytes.Buffer
		_, err := Receive(ctx, receiver, &out, Options{})
		require.NoError(t, err)
		assert.Equal(t, payload, out.Bytes())
		require.NoError(t, (<-done).err)
	})
}

func isCommand(rest []byte) bool {
	return string(rest) == "CLOSE" || bytes.HasPrefix(rest, []byte("GET "))
}

func TestSentinelInsideContentIsData(t *testing.T) {
	payloads := []string{
		"!<EOF>hello",
		"!<EOF>hello world",
		"hello !<EOF> world",
		"hello!<EOF>",
		"!<EOF>!<EOF>",
	}
	for _, payload := range payloads {
		for _, next := range []func([]byte) bool{nil, isCommand} {
			t.Run(fmt.Sprintf("%q/next=%t", payload, next != nil), func(t *testing.T) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				sender, receiver, _, _ := connPair(t, wire.Options{})
				done := startSend(ctx, sender, []byte(payload), Options{})

				var out bytes.Buffer
				stats, err := Receive(ctx, receiver, &out, Options{NextMessage: next})
				require.NoError(t, err)
				assert.Equal(t, payload, out.String())
				assert.Equal(t, int64(len(payload)), stats.Bytes)
				require.NoError(t, (<-done).err)
			})
		}
	}
}

func TestReceive_EndCoalescedWithNextMessage(t *testing.T) {
	ctx := context.Background()
	_, receiver, peer, _ := connPair(t, wire.Options{})

	go func() {
		_, _ = peer.Write([]byte("!<EOF>CLOSE"))
	}()

	var out bytes.Buffer
	stats, err := Receive(ctx, receiver, &out, Options{NextMessage: isCommand})
	require.NoError(t, err)
	assert.Zero(t, stats.Bytes)
	assert.Zero(t, out.Len())

	next, err := receiver.ReceiveText()
	require.NoError(t, err)
	assert.Equal(t, "CLOSE", next)
}

func TestSend_TotalFeedsMeter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sender, receiver, _, _ := connPair(t, wire.Options{})
	data := bytes.Repeat([]byte("z"), 3000)

	meter := progress.NewMeter()
	done := startSend(ctx, sender, data, Options{Meter: meter, Total: int64(len(data))})
	_, err := Receive(ctx, receiver, io.Discard, Options{})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(3000), res.stats.Total)
	snap := meter.Snapshot()
	assert.Equal(t, int64(3000), snap.Total)
	assert.InDelta(t, 100.0, snap.Percent, 0.001)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestReceive_LocalWriteError(t *testing.T) {
	ctx := context.Background()
	_, receiver, peer, _ := connPair(t, wire.Options{})

	go func() {
		_, _ = peer.Write([]byte("chunk"))
	}()

	_, err := Receive(ctx, receiver, failingWriter{}, Options{})
	assert.ErrorIs(t, err, ErrLocal)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestSend_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender, _, _, _ := connPair(t, wire.Options{})

	_, err := Send(ctx, sender, bytes.NewReader([]byte("data")), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSend_TimeoutOnStalledPeer(t *testing.T) {
	sender, _, _, peer := connPair(t, wire.Options{Timeout: 50 * time.Millisecond})

	go func() {
		buf := make([]byte, 64)
		_, _ = peer.Read(buf)
	}()

	_, err := Send(context.Background(), sender, bytes.NewReader([]byte("data")), Options{})
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, wire.ErrTimeout)
}

type failAfterWriter struct {
	limit   int
	written bytes.Buffer
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	if w.written.Len()+len(p) > w.limit {
		return 0, errors.New("quota exceeded")
	}
	return w.written.Write(p)
}

func TestAbandon_KeepsSenderInStep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, receiver, _, _ := connPair(t, wire.Options{Framing: wire.FramingLength})
	data := bytes.Repeat([]byte("x"), 4000)
	done := startSend(ctx, sender, data, Options{ChunkSize: 1000})

	dst := &failAfterWriter{limit: 1500}
	_, err := Receive(ctx, receiver, dst, Options{})
	require.ErrorIs(t, err, ErrLocal)
	assert.Equal(t, 1000, dst.written.Len())

	require.NoError(t, Abandon(ctx, receiver, Options{}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(4000), res.stats.Bytes)
}
