package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

func pipeConn(t *testing.T, opts ConnOptions) (*lineConn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return newLineConn(server, opts), client
}

func TestLineConnReceive(t *testing.T) {
	conn, peer := pipeConn(t, ConnOptions{MaxMessageSize: 64, WriteTimeout: time.Second})

	go func() {
		_, _ = peer.Write([]byte("LOGIN alice pw\r\nhello\n\nlast"))
		_ = peer.Close()
	}()

	for _, want := range []string{"LOGIN alice pw", "hello", "", "last"} {
		got, err := conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineConnRejectsLongLine(t *testing.T) {
	conn, peer := pipeConn(t, ConnOptions{MaxMessageSize: 8, WriteTimeout: time.Second})

	go func() {
		_, _ = peer.Write([]byte("0123456789abcdef\n"))
	}()

	_, err := conn.Receive()
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestLineConnAcceptsLineAtLimit(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		tooLong bool
	}{
		{name: "LF", input: "01234567\n", want: "01234567"},
		{name: "CRLF", input: "01234567\r\n", want: "01234567"},
		{name: "one over", input: "012345678\n", tooLong: true},
		{name: "one over CRLF", input: "012345678\r\n", tooLong: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, peer := pipeConn(t, ConnOptions{MaxMessageSize: 8, WriteTimeout: time.Second})
			go func() {
				_, _ = peer.Write([]byte(tt.input))
			}()

			got, err := conn.Receive()
			if tt.tooLong {
				assert.ErrorIs(t, err, bufio.ErrTooLong)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLineConnIdleTimeout(t *testing.T) {
	conn, _ := pipeConn(t, ConnOptions{MaxMessageSize: 64, IdleTimeout: 20 * time.Millisecond})

	_, err := conn.Receive()
	require.Error(t, err)
	assert.True(t, isTimeout(err))
}

func TestLineConnSend(t *testing.T) {
	conn, peer := pipeConn(t, ConnOptions{MaxMessageSize: 64, WriteTimeout: time.Second})

	go func() {
		assert.NoError(t, conn.Send([]byte("SUCCESS: ok\n")))
	}()

	line, err := bufio.NewReader(peer).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS: ok\n", line)
}

func TestLineConnSendStalledPeer(t *testing.T) {
	conn, _ := pipeConn(t, ConnOptions{MaxMessageSize: 64, WriteTimeout: 20 * time.Millisecond})

	err := conn.Send([]byte("nobody reads this\n"))
	assert.ErrorIs(t, err, chat.ErrWriteFailed)
}

func TestLineConnCloseIsIdempotent(t *testing.T) {
	conn, _ := pipeConn(t, ConnOptions{MaxMessageSize: 64, WriteTimeout: time.Second})

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err := conn.Send([]byte("late\n"))
	assert.ErrorIs(t, err, chat.ErrConnectionClosed)
	_, err = conn.Receive()
	assert.ErrorIs(t, err, chat.ErrConnectionClosed)
}

func TestNextBackoff(t *testing.T) {
	var delay time.Duration
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		delay = nextBackoff(delay)
		seen = append(seen, delay)
	}
	assert.Equal(t, minAcceptBackoff, seen[0])
	assert.Equal(t, 2*minAcceptBackoff, seen[1])
	assert.Equal(t, maxAcceptBackoff, seen[len(seen)-1])
}

type countingHandler struct{ served atomic.Int32 }

func (h *countingHandler) Serve(_ context.Context, conn chat.Conn) {
	h.served.Add(1)
	_ = conn.Send([]byte("hello\n"))
	_ = conn.Close()
}

func TestConnGroupRefusesAfterWait(t *testing.T) {
	var g connGroup
	require.True(t, g.add())
	go func() {
		time.Sleep(20 * time.Millisecond)
		g.done()
	}()

	require.NoError(t, g.wait(time.Second))
	assert.False(t, g.add(), "no member may join once wait has begun")
	assert.NoError(t, g.wait(time.Second))
}

func TestConnGroupWaitTimeout(t *testing.T) {
	var g connGroup
	require.True(t, g.add())
	defer g.done()

	assert.ErrorIs(t, g.wait(20*time.Millisecond), context.DeadlineExceeded)
}

func TestAcceptorClosesConnsAfterWait(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	handler := &countingHandler{}
	a := NewAcceptor(handler, ConnOptions{MaxMessageSize: 64, WriteTimeout: time.Second}, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Serve(ctx, ln) }()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
	_ = client.Close()

	require.NoError(t, a.Wait(time.Second))

	late, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer func() { _ = late.Close() }()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(time.Second)))
	data, _ := io.ReadAll(late)
	assert.Empty(t, data, "a connection accepted during shutdown is not served")
	assert.Equal(t, int32(1), handler.served.Load())
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "net.ErrClosed", err: net.ErrClosed, want: true},
		{name: "wrapped closed", err: &net.OpError{Op: "read", Err: net.ErrClosed}, want: true},
		{name: "broken pipe text", err: errors.New("write: broken pipe"), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isExpectedCloseError(tt.err))
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	policy := newOriginPolicy([]string{"HTTP://Example.com:8080", " ", "not-a-url"}, logger)

	assert.Len(t, policy.allowed, 1)
	assert.NotNil(t, hook.LastEntry(), "invalid origin should be logged")

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "http://example.com:8080", want: true},
		{origin: "http://EXAMPLE.com:8080", want: true},
		{origin: "http://example.com", want: false},
		{origin: "https://example.com:8080", want: false},
		{origin: "", want: false},
		{origin: "::::", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.check(r))
		})
	}
}

func TestOriginPolicyAllowAll(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	policy := newOriginPolicy([]string{"*"}, logger)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, policy.check(r))

	r.Header.Del("Origin")
	assert.False(t, policy.check(r), "a browser always sends Origin")
}
