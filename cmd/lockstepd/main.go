package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/lockstep/internal/config"
	"github.com/sheerbytes/lockstep/internal/logging"
	"github.com/sheerbytes/lockstep/internal/server"
	"github.com/sheerbytes/lockstep/internal/session"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sirupsen/logrus"
)

const (
	serverVersion   = "v0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(serverVersion)
		return
	}

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstepd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("lockstepd", cfg.LogLevel)

	// Validated above, so these cannot fail.
	kind, _ := transport.ParseKind(cfg.Transport)
	framing, _ := wire.ParseFraming(cfg.Framing)

	st, err := store.NewDir(cfg.Root)
	if err != nil {
		logger.WithError(err).Error("failed to open root directory")
		os.Exit(1)
	}

	ln, err := transport.Listen(kind, cfg.Addr, transport.Options{
		KeepAlive: cfg.KeepAlive,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Error("listen failed")
		os.Exit(1)
	}

	srv := server.New(st, session.NewRegistry(), server.Options{
		Transport:   string(kind),
		Framing:     framing,
		ChunkSize:   cfg.ChunkSize,
		IOTimeout:   cfg.IOTimeout,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"root":      st.Root(),
		"transport": kind,
		"framing":   framing.String(),
	}).Info("server starting")

	if err := srv.Serve(ctx, ln); err != nil {
		logger.WithError(err).Error("server failed")
		os.Exit(1)
	}

	logger.WithField("live_sessions", srv.Registry().Count()).Info("shutting down")
	logLiveSessions(logger, srv.Registry())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("sessions still open at shutdown deadline were closed")
	}
}

// logLiveSessions reports every session still open when shutdown begins.
func logLiveSessions(logger *logrus.Entry, registry *session.Registry) {
	for _, info := range registry.Snapshot() {
		logger.WithFields(logrus.Fields{
			"session":      info.ID,
			"remote":       info.RemoteAddr,
			"transport":    info.Transport,
			"state":        info.State.String(),
			"last_command": info.LastCommand,
			"bytes_in":     info.BytesIn,
			"bytes_out":    info.BytesOut,
			"age":          time.Since(info.StartedAt).Round(time.Millisecond),
		}).Info("session open at shutdown")
	}
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
