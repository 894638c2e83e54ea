package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Transport labels used in logs and metrics.
const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"
)

// ConnHandler serves one chat connection until it ends. *chat.Handler
// satisfies it.
type ConnHandler interface {
	Serve(ctx context.Context, conn chat.Conn)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
