package chat

import "errors"

var (
	// ErrConnectionClosed is returned by a Conn once it has been closed or the peer went away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrWriteFailed wraps a failed Send.
	ErrWriteFailed = errors.New("write failed")
)

// Conn is one client connection as seen by the chat engine. Implementations
// must allow Send and Close to be called from any goroutine; Receive is only
// called by the connection's own handler.
type Conn interface {
	// Send writes p to the peer. p already carries its line terminator.
	Send(p []byte) error
	// Receive returns the next line without its terminator, or io.EOF when
	// the peer closed the stream.
	Receive() (string, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string
}
