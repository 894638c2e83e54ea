package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// ConnOptions bounds per-connection I/O.
type ConnOptions struct {
	// MaxMessageSize is the longest accepted line (TCP) or frame (WebSocket).
	MaxMessageSize int
	// WriteTimeout bounds every Send so a stalled peer cannot hold a lock.
	WriteTimeout time.Duration
	// IdleTimeout closes a TCP connection that sent nothing for this long. Zero disables it.
	IdleTimeout time.Duration
}

// lineConn frames a raw TCP stream as newline-terminated lines.
type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	opts    ConnOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newLineConn(conn net.Conn, opts ConnOptions) *lineConn {
	// The limit applies to line content; the buffer also holds the CRLF.
	limit := opts.MaxMessageSize + 2
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, limit)), limit)
	return &lineConn{conn: conn, scanner: scanner, opts: opts}
}

func (c *lineConn) Receive() (string, error) {
	if c.opts.IdleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return "", fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
		}
	}

	// ScanLines drops the trailing \r of CRLF input.
	if c.scanner.Scan() {
		line := c.scanner.Text()
		if len(line) > c.opts.MaxMessageSize {
			return "", fmt.Errorf("line exceeds %d bytes: %w", c.opts.MaxMessageSize, bufio.ErrTooLong)
		}
		return line, nil
	}

	err := c.scanner.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", fmt.Errorf("line exceeds %d bytes: %w", c.opts.MaxMessageSize, err)
	case isTimeout(err):
		return "", fmt.Errorf("idle for %s: %w", c.opts.IdleTimeout, err)
	case isExpectedCloseError(err):
		return "", fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	default:
		return "", err
	}
}

func (c *lineConn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
		}
	}
	if _, err := c.conn.Write(p); err != nil {
		if isExpectedCloseError(err) {
			return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
		}
		return fmt.Errorf("%w: %v", chat.ErrWriteFailed, err)
	}
	return nil
}

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *lineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
