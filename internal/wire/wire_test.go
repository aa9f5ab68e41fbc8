package wire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T, opts Options) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a, opts), NewConn(b, opts)
}

func TestTokens(t *testing.T) {
	assert.True(t, IsSentinel(EncodeToken("!<EOF>")))
	assert.True(t, IsAck(EncodeToken("ACK")))
	assert.False(t, IsSentinel(EncodeToken("ACK")))
	assert.False(t, IsAck(EncodeToken("!<EOF>")))
	assert.False(t, IsAck([]byte("ACKACK")))
	assert.False(t, IsSentinel(nil))
}

func TestConn_SentinelTextRoundTrip(t *testing.T) {
	client, server := pipePair(t, Options{})

	go func() {
		_ = client.SendText("GET a.txt")
	}()

	msg, err := server.ReceiveText()
	require.NoError(t, err)
	assert.Equal(t, "GET a.txt", msg)
	assert.Equal(t, int64(len("GET a.txt")), server.BytesIn())
}

func TestConn_SentinelEnd(t *testing.T) {
	sender, receiver := pipePair(t, Options{})

	go func() {
		_ = sender.SendEnd()
	}()

	msg, err := receiver.Receive()
	require.NoError(t, err)
	assert.True(t, receiver.IsEnd(msg))
}

func TestConn_LengthFraming(t *testing.T) {
	opts := Options{Framing: FramingLength}
	sender, receiver := pipePair(t, opts)

	go func() {
		_ = sender.Send([]byte(Sentinel))
		_ = sender.SendAck()
		_ = sender.SendEnd()
	}()

	msg, err := receiver.Receive()
	require.NoError(t, err)
	assert.Equal(t, Sentinel, string(msg))
	assert.False(t, receiver.IsEnd(msg), "sentinel bytes are payload in length framing")

	msg, err = receiver.Receive()
	require.NoError(t, err)
	assert.True(t, IsAck(msg))

	msg, err = receiver.Receive()
	require.NoError(t, err)
	assert.True(t, receiver.IsEnd(msg))
	assert.Equal(t, int64(3*frameHeaderSize+len(Sentinel)+len(Ack)), receiver.BytesIn())
}

func TestConn_LengthFramingGrowsBuffer(t *testing.T) {
	sender, receiver := pipePair(t, Options{Framing: FramingLength, MaxMessage: 16})
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		_ = sender.Send(payload)
	}()

	msg, err := receiver.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, msg)
}

func TestConn_Unread(t *testing.T) {
	c := NewConn(nil, Options{})
	buf := []byte("hello")
	c.Unread(buf)
	buf[0] = 'j'

	msg, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}

func TestConn_SendEmptyIsNoop(t *testing.T) {
	c := NewConn(nil, Options{Framing: FramingLength})
	require.NoError(t, c.Send(nil))
	assert.Equal(t, int64(0), c.BytesOut())
}

func TestConn_ReceiveTimeout(t *testing.T) {
	_, receiver := pipePair(t, Options{Timeout: 20 * time.Millisecond})

	_, err := receiver.Receive()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestConn_ReceiveClosed(t *testing.T) {
	a, b := net.Pipe()
	receiver := NewConn(b, Options{})
	a.Close()

	_, err := receiver.Receive()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("length")
	require.NoError(t, err)
	assert.Equal(t, FramingLength, f)

	f, err = ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingSentinel, f)
	assert.Equal(t, "sentinel", f.String())

	_, err = ParseFraming("cobs")
	assert.ErrorIs(t, err, ErrUnknownFraming)
}

func TestConn_TakeEndCoalesced(t *testing.T) {
	_, server := pipePair(t, Options{})
	isClose := func(rest []byte) bool { return string(rest) == "CLOSE" }

	assert.False(t, server.TakeEnd([]byte("data"), isClose))
	assert.True(t, server.TakeEnd([]byte("!<EOF>"), isClose))
	assert.True(t, server.TakeEnd([]byte("!<EOF>CLOSE"), isClose))

	next, err := server.ReceiveText()
	require.NoError(t, err)
	assert.Equal(t, "CLOSE", next)
}

func TestConn_TakeEndSentinelPrefixIsData(t *testing.T) {
	_, server := pipePair(t, Options{})
	isClose := func(rest []byte) bool { return string(rest) == "CLOSE" }

	assert.False(t, server.TakeEnd([]byte("!<EOF>hello"), isClose))
	assert.False(t, server.TakeEnd([]byte("!<EOF>CLOSE"), nil))
	assert.False(t, server.TakeEnd([]byte("hello!<EOF>"), isClose))
	assert.False(t, server.IsEnd([]byte("!<EOF>hello")))
}

func TestConn_TakeEndLengthFraming(t *testing.T) {
	_, server := pipePair(t, Options{Framing: FramingLength})
	always := func([]byte) bool { return true }

	assert.True(t, server.TakeEnd(nil, always))
	assert.False(t, server.TakeEnd([]byte("!<EOF>CLOSE"), always))
}
