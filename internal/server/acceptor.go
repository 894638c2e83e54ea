package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Acceptor accepts TCP clients and runs each on its own goroutine.
type Acceptor struct {
	handler ConnHandler
	opts    ConnOptions
	log     logrus.FieldLogger
	conns   connGroup
}

// NewAcceptor creates an Acceptor that hands every connection to handler.
func NewAcceptor(handler ConnHandler, opts ConnOptions, logger logrus.FieldLogger) *Acceptor {
	return &Acceptor{handler: handler, opts: opts, log: logger}
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed.
// Accept failures are logged and retried with backoff; they never stop the loop.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	a.log.WithField("addr", ln.Addr().String()).Info("accepting tcp connections")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = nextBackoff(delay)
			a.log.Warnf("accept error: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !a.conns.add() {
			_ = conn.Close()
			continue
		}
		go func() {
			defer a.conns.done()
			done := track(transportTCP)
			defer done()
			a.handler.Serve(ctx, newLineConn(conn, a.opts))
		}()
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptBackoff
	}
	if delay *= 2; delay > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return delay
}

// Wait blocks until every connection goroutine has returned or timeout elapses.
// Connections accepted after Wait starts are closed without being served.
func (a *Acceptor) Wait(timeout time.Duration) error {
	return a.conns.wait(timeout)
}

// connGroup is a WaitGroup that refuses new members once wait has begun.
type connGroup struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func (g *connGroup) add() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *connGroup) done() { g.wg.Done() }

func (g *connGroup) wait(timeout time.Duration) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
