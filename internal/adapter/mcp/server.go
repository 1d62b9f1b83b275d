// Package mcp exposes the analysis service as a Model Context Protocol
// server over stdio, so agents can pull diagnostics and format files.
package mcp

import (
	"context"
	"io"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/DEVSENSE/phpy/internal/domain/document"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// Analyzer is the part of the analysis service the tools use.
type Analyzer interface {
	CollectDiagnostics(ctx context.Context) ([]lspDomain.FileDiagnostics, error)
	ListProjectFiles(ctx context.Context) ([]lspDomain.TextDocumentIdentifier, error)
	FormatFile(ctx context.Context, uri string, save bool) (*document.Document, bool, error)
	LoadState() lspDomain.LoadState
	LoadStatus() lspDomain.LoadStatus
	Ready() <-chan struct{}
}

// ServerConfig holds MCP server identity.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps holds the services the tools call into.
type ServerDeps struct {
	Analyzer Analyzer
}

// Server wraps the mcp-go server with phpy's tools and resources.
type Server struct {
	mcpServer *mcpserver.MCPServer
	deps      ServerDeps
}

// NewServer creates a server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
		deps: deps,
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}
