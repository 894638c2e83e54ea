// Package chattest provides an in-memory chat.Conn for exercising the chat
// engine without sockets.
package chattest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Conn is a scripted client connection. Lines queued with Type are returned by
// Receive; everything the server sends is recorded and can be awaited.
type Conn struct {
	addr string
	in   chan string

	mu      sync.Mutex
	out     strings.Builder
	sendErr error
	gate    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	hangOnce  sync.Once
}

var _ chat.Conn = (*Conn)(nil)

// NewConn creates an open Conn identified by addr in logs.
func NewConn(addr string) *Conn {
	return &Conn{
		addr:   addr,
		in:     make(chan string, 64),
		closed: make(chan struct{}),
	}
}

// Send records p, or fails once the connection is closed or FailSends was called.
func (c *Conn) Send(p []byte) error {
	select {
	case <-c.closed:
		return chat.ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return fmt.Errorf("%w: %v", chat.ErrWriteFailed, c.sendErr)
	}
	c.out.Write(p)
	return nil
}

// Receive returns the next typed line, io.EOF after Hangup, or
// chat.ErrConnectionClosed after Close.
func (c *Conn) Receive() (string, error) {
	select {
	case <-c.closed:
		return "", chat.ErrConnectionClosed
	default:
	}

	select {
	case line, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-c.closed:
		return "", chat.ErrConnectionClosed
	}
}

// Close marks the connection closed. Pending and future Receive calls fail.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr returns the address given to NewConn.
func (c *Conn) RemoteAddr() string { return c.addr }

// Type queues a line as if the client had sent it.
func (c *Conn) Type(line string) { c.in <- line }

// Hangup ends the input stream; Receive then returns io.EOF.
func (c *Conn) Hangup() { c.hangOnce.Do(func() { close(c.in) }) }

// FailSends makes every following Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// BlockSends makes every following Send stall, like a peer that stopped
// reading, until the returned release func is called.
func (c *Conn) BlockSends() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Output returns everything sent so far.
func (c *Conn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// Count returns how many times substr appears in the output.
func (c *Conn) Count(substr string) int {
	return strings.Count(c.Output(), substr)
}

// Reset discards the recorded output.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Reset()
}

// WaitFor blocks until substr has been sent or the timeout expires, failing t
// in the latter case.
func (c *Conn) WaitFor(t testing.TB, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(c.Output(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: timed out waiting for %q; output so far:\n%s", c.addr, substr, c.Output())
}

// WaitClosed blocks until Close has been called or the timeout expires.
func (c *Conn) WaitClosed(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(timeout):
		t.Fatalf("%s: connection not closed after %s", c.addr, timeout)
	}
}
