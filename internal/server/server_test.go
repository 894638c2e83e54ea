package server_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/server"
)

const (
	testOriginURL = "http://localhost:8080"
	waitTimeout   = 3 * time.Second
)

type testServer struct {
	*server.Server
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, customize func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.AllowedOrigins = []string{testOriginURL}
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Chat.EvictionGrace = 20 * time.Millisecond
	if customize != nil {
		customize(&cfg)
	}

	logger, _ := logtest.NewNullLogger()
	srv := server.New(cfg, logger, auth.WithArgon2Params(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, cancel: cancel, done: make(chan error, 1)}
	go func() {
		ts.done <- srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(waitTimeout):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) httpURL(path string) string {
	return "http://" + ts.HTTPAddr().String() + path
}

func (ts *testServer) wsURL() string {
	return "ws://" + ts.HTTPAddr().String() + "/ws"
}

type tcpClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	seen strings.Builder
}

func dialTCP(t *testing.T, ts *testServer) *tcpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.TCPAddr().String(), waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &tcpClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect("=== Chat Server ===")
	return c
}

func (c *tcpClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// expect reads lines until everything read since the last expect contains want.
func (c *tcpClient) expect(want string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	for !strings.Contains(c.seen.String(), want) {
		line, err := c.r.ReadString('\n')
		c.seen.WriteString(line)
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (got %q)", want, err, c.seen.String())
		}
	}
	c.seen.Reset()
}

// expectEOF reads until the server closes the stream. A reset counts as
// closed: the kernel sends one when the server drops unread input.
func (c *tcpClient) expectEOF() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	rest, err := io.ReadAll(c.r)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatalf("expected the server to close the connection, got %q", c.seen.String()+string(rest))
		}
	}
	return c.seen.String() + string(rest)
}

func (c *tcpClient) login(user, password string) {
	c.t.Helper()
	c.send("REGISTER " + user + " " + password)
	c.expect("SUCCESS: Registration successful")
	c.send("LOGIN " + user + " " + password)
	c.expect("Commands: /join <room>, /leave, /rooms, /help, /quit")
}

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOriginURL)
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWSUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var seen strings.Builder
	for !strings.Contains(seen.String(), want) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v (got %q)", want, err, seen.String())
		}
		seen.Write(data)
		seen.WriteByte('\n')
	}
	return seen.String()
}

func TestTCPRoomConversation(t *testing.T) {
	ts := startServer(t, nil)

	alice := dialTCP(t, ts)
	alice.login("alice", "pw1")
	bob := dialTCP(t, ts)
	bob.login("bob", "pw2")

	alice.send("/join dev")
	alice.expect("SUCCESS: Joined room 'dev'")
	bob.send("/join dev")
	bob.expect("SUCCESS: Joined room 'dev'")

	alice.send("hi")
	alice.expect("[dev] alice: hi\n")
	bob.expect("[dev] alice: hi\n")

	bob.send("/rooms")
	bob.expect("Available rooms: dev, lobby")

	bob.send("/quit")
	bob.expect("Goodbye!")
	bob.expectEOF()

	assert.Eventually(t, func() bool {
		return len(ts.Hub.Rooms.Members("dev")) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestTCPAcceptsCRLF(t *testing.T) {
	ts := startServer(t, nil)
	c := dialTCP(t, ts)

	_, err := c.conn.Write([]byte("REGISTER crlf pw\r\nLOGIN crlf pw\r\n"))
	require.NoError(t, err)
	c.expect("SUCCESS: Welcome crlf! You are in 'lobby'")
}

func TestDuplicateLoginAcrossTransports(t *testing.T) {
	ts := startServer(t, nil)

	tcp := dialTCP(t, ts)
	tcp.login("carol", "pw")
	tcp.send("/join dev")
	tcp.expect("Joined room 'dev'")

	ws := dialWS(t, ts)
	readWSUntil(t, ws, "=== Chat Server ===")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("LOGIN carol pw")))
	readWSUntil(t, ws, "SUCCESS: Welcome carol! You are in 'lobby'")

	rest := tcp.expectEOF()
	assert.Contains(t, rest, "[SYSTEM] You have been logged out (new login from another location)")

	sess, ok := ts.Hub.Sessions.HasActive("carol")
	require.True(t, ok)
	assert.Equal(t, "lobby", sess.Room)
	assert.Empty(t, ts.Hub.Rooms.Members("dev"))
}

func TestWebSocketFrameWithSeveralLines(t *testing.T) {
	ts := startServer(t, nil)
	ws := dialWS(t, ts)
	readWSUntil(t, ws, "=== Chat Server ===")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("REGISTER dana pw\nLOGIN dana pw\n")))
	got := readWSUntil(t, ws, "Welcome dana!")
	assert.Contains(t, got, "Registration successful")
}

func TestWebSocketOriginRejected(t *testing.T) {
	ts := startServer(t, nil)

	tests := []struct {
		name   string
		origin string
	}{
		{name: "missing origin", origin: ""},
		{name: "disallowed origin", origin: "http://evil.example"},
		{name: "malformed origin", origin: "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestHTTPEndpoints(t *testing.T) {
	ts := startServer(t, nil)
	client := &http.Client{Timeout: waitTimeout}

	c := dialTCP(t, ts)
	c.login("erin", "pw")

	tests := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
		body        string
	}{
		{name: "health", method: http.MethodGet, path: "/", status: http.StatusOK, contentType: "text/plain", body: "Chat server is running!"},
		{name: "unknown path", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
		{name: "test page", method: http.MethodGet, path: "/test", status: http.StatusOK, contentType: "text/html", body: "Chat WebSocket Test"},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK, body: `chat_connections_total{transport="tcp"}`},
		{name: "ws rejects post", method: http.MethodPost, path: "/ws", status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.httpURL(tt.path), http.NoBody)
			require.NoError(t, err)
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			}
			if tt.body != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Contains(t, string(body), tt.body)
			}
		})
	}
}

func TestOversizedLineClosesConnection(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 64
	})
	c := dialTCP(t, ts)
	c.login("frank", "pw")

	c.send(strings.Repeat("x", 200))
	c.expectEOF()

	assert.Eventually(t, func() bool {
		return ts.Hub.Sessions.Count() == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Server.IdleTimeout = 100 * time.Millisecond
	})
	c := dialTCP(t, ts)
	c.expectEOF()
}

func TestHTTPDisabled(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Server.HTTPAddr = ""
	})
	assert.Nil(t, ts.HTTPAddr())

	c := dialTCP(t, ts)
	c.login("gina", "pw")
}

func TestShutdownClosesClients(t *testing.T) {
	ts := startServer(t, nil)

	tcp := dialTCP(t, ts)
	tcp.login("harry", "pw")
	ws := dialWS(t, ts)
	readWSUntil(t, ws, "=== Chat Server ===")

	ts.cancel()
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}

	tcp.expectEOF()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, ts.Hub.Sessions.Count())

	_, err = net.DialTimeout("tcp", ts.TCPAddr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}
