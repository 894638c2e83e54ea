package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
)

// Server owns the credential store, the hub, and both listeners.
type Server struct {
	cfg config.Config
	log logrus.FieldLogger

	Store *auth.Store
	Hub   *chat.Hub

	handler  *chat.Handler
	acceptor *Acceptor
	ws       *WebSocketHandler
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tcpLn  net.Listener
	httpLn net.Listener
}

// New builds a Server from cfg. Nothing listens until Listen or Run.
// storeOpts tune the credential store.
func New(cfg config.Config, logger logrus.FieldLogger, storeOpts ...auth.Option) *Server {
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())

	store := auth.NewStore(storeOpts...)
	hub := chat.NewHub(logger)
	handler := chat.NewHandler(hub, store, logger, chat.HandlerOptions{
		EvictionGrace: cfg.Chat.EvictionGrace,
	})
	opts := ConnOptions{
		MaxMessageSize: cfg.Server.MaxMessageSize,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	}

	s := &Server{
		cfg:      cfg,
		log:      logger,
		Store:    store,
		Hub:      hub,
		handler:  handler,
		acceptor: NewAcceptor(handler, opts, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Server.HTTPAddr != "" {
		s.ws = NewWebSocketHandler(ctx, handler, cfg.Server.AllowedOrigins, opts, logger)
		s.http = CreateServer(cfg.Server.HTTPAddr, SetupRoutes(s.ws))
	}
	return s
}

// Listen binds the configured addresses. Run calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tcpLn != nil {
		return nil
	}

	tcpLn, err := net.Listen("tcp", s.cfg.Server.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.Server.TCPAddr, err)
	}
	if s.http != nil {
		httpLn, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
		if err != nil {
			_ = tcpLn.Close()
			return fmt.Errorf("listen http %s: %w", s.cfg.Server.HTTPAddr, err)
		}
		s.httpLn = httpLn
	}
	s.tcpLn = tcpLn
	return nil
}

// TCPAddr is the bound chat address, or nil before Listen.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// HTTPAddr is the bound HTTP address, or nil when HTTP is disabled or before Listen.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Run serves both transports until ctx is cancelled or a listener fails,
// then shuts down: listeners close, every client connection is closed, and
// connection goroutines are awaited up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.acceptor.Serve(s.ctx, s.tcpLn)
	}()
	if s.http != nil {
		go func() {
			errCh <- StartServer(s.http, s.httpLn, s.log)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	return errors.Join(runErr, s.shutdown())
}

func (s *Server) shutdown() error {
	timeout := s.cfg.Server.ShutdownTimeout
	s.log.Info("shutting down")

	var errs []error
	if s.http != nil {
		if err := ShutdownServer(s.http, timeout, s.log); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancel()
	closed := s.Hub.CloseAll()
	s.log.WithField("sessions", closed).Info("closed client sessions")

	if err := s.acceptor.Wait(timeout); err != nil {
		errs = append(errs, fmt.Errorf("tcp connections: %w", err))
	}
	if s.ws != nil {
		if err := s.ws.Wait(timeout); err != nil {
			errs = append(errs, fmt.Errorf("websocket connections: %w", err))
		}
	}

	if len(errs) == 0 {
		s.log.Info("shutdown complete")
	}
	return errors.Join(errs...)
}
