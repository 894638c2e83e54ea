package chat

import (
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RoomRegistry maps room names to their members. Rooms are created on first
// join and are kept when they empty out.
type RoomRegistry struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}

	sessions *SessionRegistry
	log      logrus.FieldLogger
}

type recipient struct {
	username string
	conn     Conn
}

// Join moves username from its current room into room, creating room if needed.
// It returns the room the user was in before, or "" if none.
func (r *RoomRegistry) Join(username, room string) (string, error) {
	return r.join(username, room, "")
}

// Leave removes username from its current room and returns that room's name.
func (r *RoomRegistry) Leave(username string) (string, error) {
	return r.leave(username, "")
}

// List returns every room name, empty rooms included, in sorted order.
func (r *RoomRegistry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Members returns the sorted member list of room, or nil if it does not exist.
func (r *RoomRegistry) Members(room string) []string {
	r.mu.RLock()
	set, ok := r.members[room]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Broadcast sends message to every member of room except exclude and returns
// the number of successful deliveries. The member list is snapshotted once;
// a failed delivery is logged and does not stop the others.
func (r *RoomRegistry) Broadcast(room string, message []byte, exclude string) int {
	targets := r.snapshot(room, exclude)

	delivered := 0
	for _, t := range targets {
		if err := safeSend(t.conn, message); err != nil {
			metricBroadcastFailures.Inc()
			r.log.WithFields(logrus.Fields{
				"user": t.username,
				"room": room,
			}).Warnf("broadcast delivery failed: %v", err)
			continue
		}
		delivered++
	}
	return delivered
}

// snapshot resolves the members of room to their connections under both locks.
func (r *RoomRegistry) snapshot(room, exclude string) []recipient {
	r.sessions.mu.RLock()
	defer r.sessions.mu.RUnlock()
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	targets := make([]recipient, 0, len(set))
	for name := range set {
		if name == exclude {
			continue
		}
		sess, ok := r.sessions.byUser[name]
		if !ok {
			continue
		}
		targets = append(targets, recipient{username: name, conn: sess.Conn})
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].username < targets[j].username })
	return targets
}

// join implements Join for the session of username with the given id; an
// empty id matches any session.
func (r *RoomRegistry) join(username, room, id string) (string, error) {
	if strings.TrimSpace(room) == "" {
		return "", ErrInvalidRoom
	}

	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()

	sess, ok := r.sessions.current(username, id)
	if !ok {
		return "", ErrNotLoggedIn
	}
	previous := sess.Room

	r.mu.Lock()
	if previous != "" {
		delete(r.members[previous], username)
	}
	set, exists := r.members[room]
	if !exists {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	set[username] = struct{}{}
	r.mu.Unlock()

	r.sessions.updateRoom(sess, room)

	r.log.WithField("user", username).Infof("joined room %q (left %q)", room, previous)
	return previous, nil
}

func (r *RoomRegistry) leave(username, id string) (string, error) {
	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()

	sess, ok := r.sessions.current(username, id)
	if !ok {
		return "", ErrNotLoggedIn
	}
	if sess.Room == "" {
		return "", ErrNotInRoom
	}
	previous := sess.Room

	r.removeMember(previous, username)
	r.sessions.updateRoom(sess, "")

	r.log.WithField("user", username).Infof("left room %q", previous)
	return previous, nil
}

// addMember and removeMember require the caller to hold sessions.mu.
func (r *RoomRegistry) addMember(room, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	set[username] = struct{}{}
}

func (r *RoomRegistry) removeMember(room, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.members[room]; ok {
		delete(set, username)
	}
}
