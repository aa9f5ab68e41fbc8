// Package server accepts lockstep connections and runs one session handler
// per connection.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/lockstep/internal/logging"
	"github.com/sheerbytes/lockstep/internal/session"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transfer"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sirupsen/logrus"
)

// acceptBackoff is the pause after a failed Accept that is not a shutdown.
const acceptBackoff = 50 * time.Millisecond

// Options configures a Server.
type Options struct {
	// Transport labels sessions in the registry (tcp, quic, ws).
	Transport string
	Framing   wire.Framing
	ChunkSize int
	// IOTimeout bounds every receive and send. Zero waits forever.
	IOTimeout time.Duration
	// MaxSessions caps concurrent sessions. Zero is unbounded.
	MaxSessions int
	Logger      *logrus.Entry
}

// Server serves files from a store to any number of concurrent clients.
type Server struct {
	store    store.Store
	registry *session.Registry
	opts     Options
	log      *logrus.Entry

	// sessions run under baseCtx so Serve's ctx only stops accepting.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners map[transport.Listener]struct{}
	conns     map[transport.Conn]struct{}
	shutdown  bool
	wg        sync.WaitGroup
}

// New creates a Server. A nil registry gets a fresh one.
func New(st store.Store, registry *session.Registry, opts Options) *Server {
	if registry == nil {
		registry = session.NewRegistry()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transfer.DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:     st,
		registry:  registry,
		opts:      opts,
		log:       log,
		baseCtx:   ctx,
		cancel:    cancel,
		listeners: make(map[transport.Listener]struct{}),
		conns:     make(map[transport.Conn]struct{}),
	}
}

// Registry returns the live session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve accepts connections from ln until ctx is cancelled or the server is
// shut down. Each connection is handled on its own goroutine; Serve never
// waits for a handler. It returns nil on a clean stop.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	if !s.trackListener(ln, true) {
		_ = ln.Close()
		return transport.ErrListenerClosed
	}
	defer s.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil || s.isShutdown() {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}

		if !s.trackConn(conn, true) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.serveSession(s.baseCtx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight sessions to finish. If
// ctx expires first, live connections are closed and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) trackListener(ln transport.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) trackConn(conn transport.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.conns, conn)
	}
	return true
}
