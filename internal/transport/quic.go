package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// ALPNProtocol identifies lockstep sessions during the QUIC handshake.
const ALPNProtocol = "lockstep-ftp/1"

const defaultCloseGrace = time.Second

// ServerTLSConfig returns a TLS config with a freshly generated self-signed
// certificate. Peers are not authenticated.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS config that accepts any server certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// QUICConfig returns the QUIC settings for one lockstep session per
// connection. Stop-and-wait never has more than one chunk in flight, so
// receive windows stay small.
func QUICConfig(idle time.Duration) *quic.Config {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &quic.Config{
		KeepAlivePeriod:                idle / 3,
		MaxIdleTimeout:                 idle,
		MaxIncomingStreams:             1,
		InitialStreamReceiveWindow:     256 * 1024,
		MaxStreamReceiveWindow:         1024 * 1024,
		InitialConnectionReceiveWindow: 512 * 1024,
		MaxConnectionReceiveWindow:     2 * 1024 * 1024,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"lockstep"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

type quicListener struct {
	ln     *quic.Listener
	grace  time.Duration
	logger *logrus.Entry
}

// ListenQUIC binds a QUIC listener on the UDP address addr. Each accepted
// connection carries exactly one session on one server-opened stream.
func ListenQUIC(addr string, opts Options) (Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, QUICConfig(opts.KeepAlive))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	grace := opts.CloseGrace
	if grace <= 0 {
		grace = defaultCloseGrace
	}
	return &quicListener{ln: ln, grace: grace, logger: opts.logger()}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	l.logger.WithField("remote", conn.RemoteAddr().String()).Debug("QUIC connection accepted")
	// The stream is opened by the session goroutine on first use, keeping
	// the accept loop free of per-connection waits.
	return newQUICConn(conn, nil, l.grace), nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

// DialQUIC connects to addr over QUIC and waits for the server to open the
// session stream.
func DialQUIC(ctx context.Context, addr string, opts Options) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), QUICConfig(opts.KeepAlive))
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no session stream")
		return nil, fmt.Errorf("failed to accept session stream: %w", err)
	}
	return newQUICConn(conn, stream, 0), nil
}

// quicConn is a session carried on a single bidirectional QUIC stream. On
// the server side the stream is opened on the first Read or Write: the
// server speaks first, and a stream only becomes visible to the peer once
// data is written on it.
type quicConn struct {
	conn *quic.Conn
	// grace > 0 makes Close wait for the peer to hang up first, so the last
	// reply is delivered before CONNECTION_CLOSE discards it.
	grace time.Duration

	openCtx    context.Context
	cancelOpen context.CancelFunc

	mu            sync.Mutex
	stream        *quic.Stream
	openErr       error
	readDeadline  time.Time
	writeDeadline time.Time
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, grace time.Duration) *quicConn {
	ctx, cancel := context.WithCancel(conn.Context())
	return &quicConn{
		conn:       conn,
		grace:      grace,
		openCtx:    ctx,
		cancelOpen: cancel,
		stream:     stream,
	}
}

// sessionStream returns the session stream, opening it on first use. A
// pending write deadline bounds the open.
func (c *quicConn) sessionStream() (*quic.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil || c.openErr != nil {
		return c.stream, c.openErr
	}

	ctx := c.openCtx
	if !c.writeDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, c.writeDeadline)
		defer cancel()
	}
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		c.openErr = fmt.Errorf("failed to open session stream: %w", err)
		_ = c.conn.CloseWithError(0, "stream setup failed")
		return nil, c.openErr
	}
	if !c.readDeadline.IsZero() {
		_ = stream.SetReadDeadline(c.readDeadline)
	}
	if !c.writeDeadline.IsZero() {
		_ = stream.SetWriteDeadline(c.writeDeadline)
	}
	c.stream = stream
	return stream, nil
}

// opened returns the stream if it exists, without opening it.
func (c *quicConn) opened() *quic.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *quicConn) Read(p []byte) (int, error) {
	stream, err := c.sessionStream()
	if err != nil {
		return 0, err
	}
	return stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	stream, err := c.sessionStream()
	if err != nil {
		return 0, err
	}
	return stream.Write(p)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	if c.stream == nil {
		return nil
	}
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	if c.stream == nil {
		return nil
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) Close() error {
	c.cancelOpen()
	stream := c.opened()
	if stream == nil {
		// Nothing was ever sent, so there is no reply to wait for.
		return c.conn.CloseWithError(0, "session closed")
	}

	streamErr := stream.Close()
	if c.grace > 0 {
		timer := time.NewTimer(c.grace)
		select {
		case <-c.conn.Context().Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	if err := c.conn.CloseWithError(0, "session closed"); err != nil {
		return err
	}
	return streamErr
}
