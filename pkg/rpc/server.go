package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server serves an http.Handler as a runner.Service.
type Server struct {
	addr    string
	handler http.Handler
	opts    options

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, handler http.Handler, opts ...Option) *Server {
	return &Server{addr: addr, handler: handler, opts: newOptions(opts)}
}

func (s *Server) Name() string {
	return "rpc-server"
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("rpc: server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.logger.Error("rpc server stopped", "error", err)
		}
	}()
	s.opts.logger.Info("rpc server listening", "addr", ln.Addr().String())
	return nil
}

// Stop waits for in-flight calls to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// HealthCheck fails when the server is not serving.
func (s *Server) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return errors.New("rpc: server not started")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
