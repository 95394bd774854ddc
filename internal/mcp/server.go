// Package mcp serves hook tools to AI assistants over MCP stdio.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
)

// Server wraps an MCP server whose tools run against a hook service.
type Server struct {
	config *config.Config
	hooks  *hooks.Service
	mcp    *server.MCPServer
}

// NewServer creates an MCP server with the eval and call_hook tools.
func NewServer(cfg *config.Config, svc *hooks.Service, version string) *Server {
	s := &Server{
		config: cfg,
		hooks:  svc,
		mcp: server.NewMCPServer(
			"hook-engine",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves on stdin/stdout until EOF or a termination signal.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "MCP server running on stdio")
	return server.ServeStdio(s.mcp)
}

// Serve serves on the given streams until ctx ends or in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
