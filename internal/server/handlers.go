package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler upgrades GET /ws requests and serves the chat protocol
// over the socket for the lifetime of the connection.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	handler  ConnHandler
	opts     ConnOptions
	log      logrus.FieldLogger
	ctx      context.Context
	conns    connGroup
}

// NewWebSocketHandler creates a WebSocketHandler. Connections are served
// under ctx and closed when it is cancelled.
func NewWebSocketHandler(ctx context.Context, handler ConnHandler, origins []string, opts ConnOptions, logger logrus.FieldLogger) *WebSocketHandler {
	policy := newOriginPolicy(origins, logger)
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		handler: handler,
		opts:    opts,
		log:     logger,
		ctx:     ctx,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("remote", r.RemoteAddr).Warnf("websocket upgrade failed: %v", err)
		return
	}

	if !h.conns.add() {
		_ = conn.Close()
		return
	}
	defer h.conns.done()
	done := track(transportWebSocket)
	defer done()

	h.handler.Serve(h.ctx, newWSConn(conn, r.RemoteAddr, h.opts, h.log))
}

// Wait blocks until every upgraded connection has been served or timeout elapses.
func (h *WebSocketHandler) Wait(timeout time.Duration) error {
	return h.conns.wait(timeout)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Chat server is running!")
}

// TestPageHandler serves an HTML page that speaks the line protocol over /ws.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head><title>Chat WebSocket Test</title></head>
<body>
<pre id="log" style="height:320px;overflow-y:auto;border:1px solid #999"></pre>
<form id="form"><input id="line" size="60" autocomplete="off" placeholder="REGISTER alice pw, LOGIN alice pw, /join dev"></form>
<script>
const log = document.getElementById('log');
const line = document.getElementById('line');
const append = text => { log.textContent += text + '\n'; log.scrollTop = log.scrollHeight; };
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = e => append(e.data);
ws.onclose = () => append('-- disconnected --');
document.getElementById('form').onsubmit = e => {
  e.preventDefault();
  if (ws.readyState === WebSocket.OPEN && line.value !== '') {
    ws.send(line.value);
    line.value = '';
  }
};
</script>
</body>
</html>
`
