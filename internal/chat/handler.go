package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
)

// Credentials is the part of the credential store the handler needs.
type Credentials interface {
	Register(username, password string) (*auth.User, error)
	Verify(username, password string) error
}

// HandlerOptions tunes a Handler.
type HandlerOptions struct {
	// EvictionGrace is how long a login that evicted an older session waits
	// before it starts talking, so the eviction notice reaches the old client.
	EvictionGrace time.Duration
}

// Handler runs the per-connection state machine: authenticate, then relay
// commands and chat lines until the connection ends.
type Handler struct {
	hub   *Hub
	creds Credentials
	log   logrus.FieldLogger
	grace time.Duration
}

// NewHandler creates a Handler bound to hub and creds.
func NewHandler(hub *Hub, creds Credentials, logger logrus.FieldLogger, opts HandlerOptions) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{hub: hub, creds: creds, log: logger, grace: opts.EvictionGrace}
}

// Serve drives conn until it closes, the client quits, or ctx is cancelled.
// The session (if any) is released and conn closed on every exit path.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	logger := h.log.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr(),
		"conn":   uuid.NewString()[:8],
	})
	logger.Info("connection opened")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	var sess *Session
	defer func() {
		close(stop)
		if sess != nil {
			h.hub.Sessions.Release(*sess)
		}
		if err := conn.Close(); err != nil {
			logger.Debugf("close: %v", err)
		}
		logger.Info("connection closed")
	}()

	if err := conn.Send([]byte(welcomeBanner)); err != nil {
		logger.Warnf("send welcome: %v", err)
		return
	}

	var err error
	sess, err = h.authenticate(ctx, conn, logger)
	if err != nil {
		logEnd(logger, err)
		return
	}

	logger = logger.WithField("user", sess.Username)
	logEnd(logger, h.relay(conn, *sess, logger))
}

// authenticate loops until a LOGIN succeeds. It returns a non-nil session
// whenever one was created, even alongside a transport error.
func (h *Handler) authenticate(ctx context.Context, conn Conn, logger logrus.FieldLogger) (*Session, error) {
	for {
		line, err := conn.Receive()
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, err := ParseAuthCommand(line)
		if err != nil {
			if err := sendProtocolError(conn, err); err != nil {
				return nil, err
			}
			continue
		}

		switch cmd.Name {
		case CmdRegister:
			if err := conn.Send([]byte(h.register(cmd, logger))); err != nil {
				return nil, err
			}

		case CmdLogin:
			if err := h.creds.Verify(cmd.Username, cmd.Password); err != nil {
				metricLogins.WithLabelValues("rejected").Inc()
				logger.WithField("user", cmd.Username).Info("login rejected")
				if err := conn.Send([]byte(errorLine("Invalid username or password"))); err != nil {
					return nil, err
				}
				continue
			}

			sess, evicted := h.hub.Sessions.Login(cmd.Username, conn)
			metricLogins.WithLabelValues("accepted").Inc()
			if evicted {
				wait(ctx, h.grace)
			}

			welcome := successLine(fmt.Sprintf("Welcome %s! You are in '%s'", sess.Username, Lobby)) + commandsLine
			return &sess, conn.Send([]byte(welcome))
		}
	}
}

func (h *Handler) register(cmd AuthCommand, logger logrus.FieldLogger) string {
	_, err := h.creds.Register(cmd.Username, cmd.Password)
	switch {
	case err == nil:
		metricRegistrations.WithLabelValues("accepted").Inc()
		logger.WithField("user", cmd.Username).Info("registered")
		return successLine("Registration successful") + "Now please LOGIN\n"
	case errors.Is(err, auth.ErrUsernameTaken):
		metricRegistrations.WithLabelValues("taken").Inc()
		return errorLine("Username already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		metricRegistrations.WithLabelValues("invalid").Inc()
		return errorLine("Username and password are required")
	default:
		metricRegistrations.WithLabelValues("error").Inc()
		logger.Errorf("register %q: %v", cmd.Username, err)
		return errorLine("Registration failed")
	}
}

// relay handles authenticated traffic. It returns nil on /quit and the
// transport error otherwise.
func (h *Handler) relay(conn Conn, sess Session, logger logrus.FieldLogger) error {
	for {
		line, err := conn.Receive()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if IsCommand(line) {
			quit, err := h.command(conn, sess, line)
			if err != nil || quit {
				return err
			}
			continue
		}

		if err := h.chat(conn, sess, line); err != nil {
			return err
		}
	}
}

func (h *Handler) command(conn Conn, sess Session, line string) (bool, error) {
	cmd, err := ParseRoomCommand(line)
	if err != nil {
		return false, sendProtocolError(conn, err)
	}

	var reply string
	switch cmd.Name {
	case CmdJoin:
		if _, err := h.hub.Rooms.join(sess.Username, cmd.Arg, sess.ID); err != nil {
			reply = sessionErrorLine(err)
		} else {
			reply = successLine(fmt.Sprintf("Joined room '%s'", cmd.Arg))
		}
	case CmdLeave:
		if room, err := h.hub.Rooms.leave(sess.Username, sess.ID); err != nil {
			reply = sessionErrorLine(err)
		} else {
			reply = successLine(fmt.Sprintf("Left room '%s'", room))
		}
	case CmdRooms:
		reply = roomsLine(h.hub.Rooms.List())
	case CmdHelp:
		reply = helpText
	case CmdQuit:
		return true, conn.Send([]byte(goodbye))
	}
	return false, conn.Send([]byte(reply))
}

func (h *Handler) chat(conn Conn, sess Session, text string) error {
	room, err := h.hub.Sessions.roomOf(sess.Username, sess.ID)
	if err != nil {
		return conn.Send([]byte(sessionErrorLine(err)))
	}
	if room == "" {
		return conn.Send([]byte(errorLine("You are not in any room. Use /join <room>")))
	}

	msg := []byte(FormatChat(room, sess.Username, text))
	if err := conn.Send(msg); err != nil {
		return err
	}
	metricMessages.Inc()
	h.hub.Rooms.Broadcast(room, msg, sess.Username)
	return nil
}

func sendProtocolError(conn Conn, err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return conn.Send([]byte(perr.Response()))
	}
	return conn.Send([]byte(errorLine(err.Error())))
}

func sessionErrorLine(err error) string {
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		return errorLine("Not logged in")
	case errors.Is(err, ErrNotInRoom):
		return errorLine("Not in any room")
	case errors.Is(err, ErrInvalidRoom):
		return errorLine("Usage: /join <room>")
	default:
		return errorLine(err.Error())
	}
}

func logEnd(logger logrus.FieldLogger, err error) {
	switch {
	case err == nil:
		logger.Info("client quit")
	case errors.Is(err, io.EOF), errors.Is(err, ErrConnectionClosed):
		logger.Info("client disconnected")
	default:
		logger.Warnf("connection error: %v", err)
	}
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
