package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// Server runs the admin HTTP surface on an already bound listener
type Server struct {
	listener net.Listener
	http     *http.Server
	logger   *shared.Logger
}

// NewServer creates a server for handler on listener
func NewServer(listener net.Listener, handler http.Handler, logger *shared.Logger) *Server {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent("http"),
	}
}

// Address returns the address the server listens on
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin HTTP server listening on %s", s.Address())
	err := s.http.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
