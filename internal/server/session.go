package server

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sheerbytes/lockstep/internal/session"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transfer"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sheerbytes/lockstep/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// sessionHandler owns one connection for its whole life.
type sessionHandler struct {
	srv  *Server
	info session.Info
	conn *wire.Conn
	log  *logrus.Entry
}

func (s *Server) serveSession(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)

	maxMessage := s.opts.ChunkSize
	if maxMessage < wire.MaxMessage {
		maxMessage = wire.MaxMessage
	}
	wc := wire.NewConn(conn, wire.Options{
		Framing:    s.opts.Framing,
		MaxMessage: maxMessage,
		Timeout:    s.opts.IOTimeout,
	})

	info, ok := s.registry.TryRegister(remote, s.opts.Transport, s.opts.MaxSessions)
	if !ok {
		log.WithField("max_sessions", s.opts.MaxSessions).Warn("session limit reached, rejecting connection")
		_ = wc.SendText(protocol.ReplyServerBusy)
		return
	}

	h := &sessionHandler{
		srv:  s,
		info: info,
		conn: wc,
		log:  log.WithField("session", info.ID),
	}
	defer h.finish()

	h.log.Info("session opened")
	if err := wc.SendText(protocol.Greeting(remote)); err != nil {
		h.log.WithError(err).Warn("send greeting failed")
		return
	}
	h.run(ctx)
}

func (h *sessionHandler) run(ctx context.Context) {
	for {
		msg, err := h.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.log.Info("peer disconnected")
			} else {
				h.log.WithError(err).Warn("receive command failed")
			}
			return
		}

		line := strings.TrimSpace(string(msg))
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			h.log.WithError(err).WithField("line", line).Debug("invalid command")
			if err := h.conn.SendText(protocol.ReplyInvalidFormat); err != nil {
				h.log.WithError(err).Warn("send reply failed")
				return
			}
			continue
		}

		h.log.WithField("command", cmd.String()).Debug("command received")
		done, err := h.dispatch(ctx, cmd)
		h.srv.registry.SetBytes(h.info.ID, h.conn.BytesIn(), h.conn.BytesOut())
		if err != nil {
			h.log.WithError(err).WithField("command", cmd.String()).Warn("session aborted")
			return
		}
		if done {
			return
		}
	}
}

// dispatch serves one command. It reports whether the session is over; a
// non-nil error means the connection can no longer be used.
func (h *sessionHandler) dispatch(ctx context.Context, cmd protocol.Command) (bool, error) {
	switch cmd.Verb {
	case protocol.VerbGet:
		return false, h.handleGet(ctx, cmd)
	case protocol.VerbPut:
		return false, h.handlePut(ctx, cmd)
	case protocol.VerbClose:
		h.setState(protocol.StateClosed, cmd)
		return true, h.conn.SendText(protocol.ReplyBye)
	default:
		return false, h.conn.SendText(protocol.ReplyInvalidFormat)
	}
}

func (h *sessionHandler) handleGet(ctx context.Context, cmd protocol.Command) error {
	src, err := h.srv.store.OpenRead(cmd.Arg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidName) {
			h.log.WithField("file", cmd.Arg).Info("GET for missing file")
			return h.conn.SendText(protocol.NotFound(cmd.Arg))
		}
		h.log.WithError(err).WithField("file", cmd.Arg).Error("open for read failed")
		return h.conn.SendText(protocol.ReplyServerError)
	}
	defer src.Close()

	if err := h.conn.SendText(protocol.ReplyFound); err != nil {
		return err
	}

	h.setState(protocol.StateInTransfer, cmd)
	defer h.setState(protocol.StateReady, cmd)

	opts := h.transferOptions()
	if size, ok := store.Size(src); ok {
		opts.Total = size
	}
	stats, err := transfer.Send(ctx, h.conn, src, opts)
	if errors.Is(err, transfer.ErrLocal) {
		// FOUND is already out, so the only way to stay in step is to end
		// the stream early. The client keeps a truncated file.
		h.log.WithError(err).WithField("file", cmd.Arg).Error("read failed mid-transfer, ending stream")
		return h.conn.SendEnd()
	}
	if err != nil {
		return err
	}
	h.logTransfer(cmd, stats)
	return nil
}

func (h *sessionHandler) handlePut(ctx context.Context, cmd protocol.Command) error {
	dst, err := h.srv.store.OpenWrite(cmd.Arg)
	if err != nil {
		h.log.WithError(err).WithField("file", cmd.Arg).Error("open for write failed")
		return h.conn.SendText(protocol.ReplyServerError)
	}

	if err := h.conn.SendAck(); err != nil {
		_ = dst.Close()
		return err
	}

	h.setState(protocol.StateInTransfer, cmd)
	defer h.setState(protocol.StateReady, cmd)

	// The client sends its next command right after the end marker.
	opts := h.transferOptions()
	opts.NextMessage = protocol.IsCommand
	stats, err := transfer.Receive(ctx, h.conn, dst, opts)
	if closeErr := dst.Close(); closeErr != nil && err == nil {
		h.log.WithError(closeErr).WithField("file", cmd.Arg).Error("close after write failed")
		return nil
	}
	if errors.Is(err, transfer.ErrLocal) {
		h.log.WithError(err).WithField("file", cmd.Arg).Error("write failed mid-transfer, discarding rest of stream")
		return transfer.Abandon(ctx, h.conn, opts)
	}
	if err != nil {
		return err
	}
	h.logTransfer(cmd, stats)
	return nil
}

func (h *sessionHandler) transferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize: h.srv.opts.ChunkSize,
		Logger:    h.log,
	}
}

// setState records a state change in the registry. Moves the state
// machine does not allow are logged and dropped.
func (h *sessionHandler) setState(next protocol.State, cmd protocol.Command) bool {
	if info, ok := h.srv.registry.Get(h.info.ID); ok && info.State != next && !info.State.CanTransition(next) {
		h.log.WithFields(logrus.Fields{
			"from":    info.State.String(),
			"to":      next.String(),
			"command": cmd.String(),
		}).Warn("illegal session state change ignored")
		return false
	}
	h.srv.registry.SetState(h.info.ID, next, cmd.String())
	return true
}

func (h *sessionHandler) logTransfer(cmd protocol.Command, stats transfer.Stats) {
	h.log.WithFields(logrus.Fields{
		"command":  cmd.String(),
		"bytes":    stats.Bytes,
		"total":    stats.Total,
		"chunks":   stats.Chunks,
		"duration": stats.Duration,
	}).Info("transfer complete")
}

func (h *sessionHandler) finish() {
	h.srv.registry.SetBytes(h.info.ID, h.conn.BytesIn(), h.conn.BytesOut())
	info, _ := h.srv.registry.Remove(h.info.ID)
	h.log.WithFields(logrus.Fields{
		"bytes_in":     info.BytesIn,
		"bytes_out":    info.BytesOut,
		"last_command": info.LastCommand,
	}).Info("session closed")
}
