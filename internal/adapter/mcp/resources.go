package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	loadStatusURI  = "phpy://load-status"
	diagnosticsURI = "phpy://diagnostics"
	jsonMIME       = "application/json"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(loadStatusURI, "Engine load status",
			mcplib.WithResourceDescription("Indexing state, readiness and the last load status reported by the engine"),
			mcplib.WithMIMEType(jsonMIME),
		),
		s.jsonResource(func(context.Context) (any, error) { return s.loadStatus(), nil }),
	)
	s.mcpServer.AddResource(
		mcplib.NewResource(diagnosticsURI, "Workspace diagnostics",
			mcplib.WithResourceDescription("Diagnostics for every analyzed file, in the configured collection mode"),
			mcplib.WithMIMEType(jsonMIME),
		),
		s.jsonResource(func(ctx context.Context) (any, error) {
			return s.deps.Analyzer.CollectDiagnostics(ctx)
		}),
	)
}

// jsonResource adapts a value producer to a resource handler returning one
// JSON text content.
func (s *Server) jsonResource(produce func(context.Context) (any, error)) func(context.Context, mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return func(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
		if s.deps.Analyzer == nil {
			return nil, fmt.Errorf("read %s: analyzer not configured", req.Params.URI)
		}
		v, err := produce(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", req.Params.URI, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", req.Params.URI, err)
		}
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{URI: req.Params.URI, MIMEType: jsonMIME, Text: string(data)},
		}, nil
	}
}
