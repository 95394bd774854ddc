// Package server exposes hook calls over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
)

// Server is the HTTP front end of a hook service.
type Server struct {
	config       *config.Config
	hooks        *hooks.Service
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
}

// New creates a server for svc.
func New(cfg *config.Config, svc *hooks.Service) *Server {
	s := &Server{config: cfg, hooks: svc}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, svc)
	s.httpEndpoint = NewHTTPEndpoint(cfg, svc, s.wsEndpoint)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StartHTTP listens on the configured host and the given port and serves in
// the background. Port 0 picks a free port, which is written back into the
// configuration. It returns the base URL.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	s.httpServer = &http.Server{Handler: s.httpEndpoint}
	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()
	return "http://" + addr, nil
}

// Start serves on the configured port.
func (s *Server) Start() (string, error) {
	return s.StartHTTP(s.config.Server.Port)
}

// Shutdown stops accepting requests, closes websocket connections and waits
// for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsEndpoint.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
