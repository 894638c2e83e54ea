// Package chat implements the session and room coordination engine of the
// chat server.
//
// The Hub owns two registries: SessionRegistry binds a username to exactly one
// live connection, and RoomRegistry maps room names to member sets. Every
// operation that touches both acquires the session lock before the room lock,
// so a user's session room and the room's member set always change together.
// Handler drives one connection through the line protocol on top of them.
package chat
