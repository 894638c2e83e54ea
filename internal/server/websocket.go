package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsConn adapts a WebSocket to the line protocol. Inbound frames may carry
// several lines; each outbound Send becomes one text frame.
type wsConn struct {
	conn    *websocket.Conn
	addr    string
	opts    ConnOptions
	log     logrus.FieldLogger
	pending []string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, addr string, opts ConnOptions, logger logrus.FieldLogger) *wsConn {
	c := &wsConn{
		conn: conn,
		addr: addr,
		opts: opts,
		log:  logger.WithField("remote", addr),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(int64(opts.MaxMessageSize))
	c.setupReadConnection()
	go c.pingLoop()
	return c
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *wsConn) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debugf("set initial read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debugf("write ping: %v", err)
				}
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Receive() (string, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", c.readError(err)
		}
		text := strings.TrimRight(string(data), "\r\n")
		for _, line := range strings.Split(text, "\n") {
			c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

// readError maps gorilla read failures onto the chat.Conn contract.
func (c *wsConn) readError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("message exceeded %d bytes: %w", c.opts.MaxMessageSize, err)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		return io.EOF
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err):
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	case websocket.IsUnexpectedCloseError(err):
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	default:
		return err
	}
}

func (c *wsConn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return chat.ErrConnectionClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\n")); err != nil {
		if isExpectedCloseError(err) {
			return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
		}
		return fmt.Errorf("%w: %v", chat.ErrWriteFailed, err)
	}
	return nil
}

// Close sends a close frame when possible and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !isExpectedCloseError(werr) {
			c.log.Debugf("write close message: %v", werr)
		}
		if cerr := c.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}
