package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves HTTP on ln until the server is shut down. A clean
// shutdown returns nil.
func StartServer(server *http.Server, ln net.Listener, logger logrus.FieldLogger) error {
	logger.WithField("addr", ln.Addr().String()).Info("serving http")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// Upgraded WebSocket connections are not tracked by net/http and must be closed separately.
func ShutdownServer(server *http.Server, timeout time.Duration, logger logrus.FieldLogger) error {
	logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("http server shutdown error: %v", err)
		return err
	}

	logger.Info("http server shutdown completed")
	return nil
}
