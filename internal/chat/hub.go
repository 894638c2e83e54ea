package chat

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Lobby is the room every user lands in after logging in. It exists from the
// moment the Hub is created.
const Lobby = "lobby"

var (
	// ErrNotLoggedIn is returned for room operations on a user without a session.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrNotInRoom is returned by Leave when the user is already roomless.
	ErrNotInRoom = errors.New("not in any room")
	// ErrAlreadyActive is returned by Create when the user already has a session.
	ErrAlreadyActive = errors.New("session already active")
	// ErrInvalidRoom is returned by Join for an empty room name.
	ErrInvalidRoom = errors.New("invalid room name")
)

// Hub owns the session and room registries and wires them to each other.
//
// Lock order: SessionRegistry.mu is always acquired before RoomRegistry.mu.
// Neither lock is ever held while waiting on the auth store or writing to a
// connection.
type Hub struct {
	Sessions *SessionRegistry
	Rooms    *RoomRegistry

	log logrus.FieldLogger
}

// NewHub creates a Hub with an empty session table and the lobby room.
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rooms := &RoomRegistry{
		members: map[string]map[string]struct{}{Lobby: {}},
		log:     logger,
	}
	sessions := &SessionRegistry{
		byUser: make(map[string]*Session),
		rooms:  rooms,
		now:    time.Now,
		log:    logger,
	}
	rooms.sessions = sessions

	return &Hub{Sessions: sessions, Rooms: rooms, log: logger}
}

// CloseAll closes the connection of every live session. Handlers notice the
// closed connection and clean up their own sessions.
func (h *Hub) CloseAll() int {
	h.Sessions.mu.RLock()
	conns := make([]Conn, 0, len(h.Sessions.byUser))
	for _, sess := range h.Sessions.byUser {
		conns = append(conns, sess.Conn)
	}
	h.Sessions.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			h.log.WithField("remote", conn.RemoteAddr()).Debugf("close during shutdown: %v", err)
		}
	}
	h.log.Infof("closed %d session connections", len(conns))
	return len(conns)
}

// safeSend delivers p to conn and converts a panicking transport into an error.
func safeSend(conn Conn, p []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return conn.Send(p)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "send panicked" }

func (e *panicError) Unwrap() error { return ErrWriteFailed }
