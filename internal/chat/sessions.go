package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EvictionNotice is written to a connection that loses its session to a newer login.
const EvictionNotice = "\n[SYSTEM] You have been logged out (new login from another location)\n"

// Session binds a username to one live connection and its current room.
// Room is empty while the user is in no room.
type Session struct {
	ID       string
	Username string
	Conn     Conn
	Room     string
	LoginAt  time.Time
}

// SessionRegistry holds at most one Session per username.
type SessionRegistry struct {
	mu     sync.RWMutex
	byUser map[string]*Session

	rooms *RoomRegistry
	now   func() time.Time
	log   logrus.FieldLogger
}

// HasActive reports whether username has a session and returns a copy of it.
func (s *SessionRegistry) HasActive(username string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byUser[username]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Evict force-logs-out username: the session leaves its room and the table,
// then the old connection gets EvictionNotice and is closed. Write and close
// failures are logged only.
func (s *SessionRegistry) Evict(username string) bool {
	s.mu.Lock()
	old := s.detachLocked(username)
	s.mu.Unlock()

	if old == nil {
		return false
	}
	s.terminate(old)
	return true
}

// Create registers a new session in the lobby. It fails with ErrAlreadyActive
// when username still has a session; callers evict first.
func (s *SessionRegistry) Create(username string, conn Conn) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUser[username]; ok {
		return Session{}, ErrAlreadyActive
	}
	return s.createLocked(username, conn), nil
}

// Login runs the duplicate-login protocol. Any prior session is removed and
// the new one created in the lobby in one critical section; the old
// connection is then notified and closed outside the lock, before Login
// returns. It reports whether a session was evicted.
func (s *SessionRegistry) Login(username string, conn Conn) (Session, bool) {
	s.mu.Lock()
	old := s.detachLocked(username)
	sess := s.createLocked(username, conn)
	s.mu.Unlock()

	if old != nil {
		s.terminate(old)
	}
	return sess, old != nil
}

// Remove deletes username's session and its room membership. Removing a
// missing session is a no-op.
func (s *SessionRegistry) Remove(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byUser[username]; ok {
		s.removeLocked(sess)
	}
}

// Release removes sess only while it is still the current session for its
// username, so a handler whose session was replaced never removes the newer one.
func (s *SessionRegistry) Release(sess Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byUser[sess.Username]
	if !ok || cur.ID != sess.ID {
		return false
	}
	s.removeLocked(cur)
	s.log.WithField("user", sess.Username).Info("logged out")
	return true
}

// Count returns the number of live sessions.
func (s *SessionRegistry) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

// Usernames returns the logged-in usernames in sorted order.
func (s *SessionRegistry) Usernames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.byUser))
	for name := range s.byUser {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// current returns the session for username if its ID matches id. An empty id
// matches any session.
func (s *SessionRegistry) current(username, id string) (*Session, bool) {
	sess, ok := s.byUser[username]
	if !ok || (id != "" && sess.ID != id) {
		return nil, false
	}
	return sess, true
}

// roomOf returns the current room of the session identified by username and id.
func (s *SessionRegistry) roomOf(username, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.current(username, id)
	if !ok {
		return "", ErrNotLoggedIn
	}
	return sess.Room, nil
}

// updateRoom changes the session's room field. Callers hold s.mu and have
// already applied the matching member-set change in the room registry.
func (s *SessionRegistry) updateRoom(sess *Session, room string) {
	sess.Room = room
}

func (s *SessionRegistry) createLocked(username string, conn Conn) Session {
	sess := &Session{
		ID:       uuid.NewString(),
		Username: username,
		Conn:     conn,
		Room:     Lobby,
		LoginAt:  s.now().UTC(),
	}
	s.rooms.addMember(Lobby, username)
	s.byUser[username] = sess

	s.log.WithFields(logrus.Fields{
		"user":    username,
		"session": sess.ID,
		"remote":  conn.RemoteAddr(),
	}).Infof("logged in, joined %q", Lobby)
	return *sess
}

// detachLocked removes username's session and room membership and returns
// it, or nil if there was none. The caller holds s.mu.
func (s *SessionRegistry) detachLocked(username string) *Session {
	sess, ok := s.byUser[username]
	if !ok {
		return nil
	}
	s.removeLocked(sess)
	return sess
}

// terminate notifies and closes a detached session. It must run without
// s.mu held: a peer that stopped reading blocks Send until the write timeout.
func (s *SessionRegistry) terminate(sess *Session) {
	logger := s.log.WithFields(logrus.Fields{"user": sess.Username, "session": sess.ID})

	if err := safeSend(sess.Conn, []byte(EvictionNotice)); err != nil {
		logger.Debugf("eviction notice not delivered: %v", err)
	}
	if err := sess.Conn.Close(); err != nil {
		logger.Debugf("close evicted connection: %v", err)
	}

	metricEvictions.Inc()
	logger.Info("previous session terminated by new login")
}

func (s *SessionRegistry) removeLocked(sess *Session) {
	if sess.Room != "" {
		s.rooms.removeMember(sess.Room, sess.Username)
	}
	delete(s.byUser, sess.Username)
}
