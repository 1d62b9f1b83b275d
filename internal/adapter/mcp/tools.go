package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/DEVSENSE/phpy/internal/domain/document"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.workspaceDiagnosticsTool(),
		s.loadStatusTool(),
		s.formatFileTool(),
		s.listProjectFilesTool(),
	)
}

func (s *Server) workspaceDiagnosticsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workspace_diagnostics",
		mcplib.WithDescription("Return the analysis engine's diagnostics for every file in the workspace"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleWorkspaceDiagnostics,
	}
}

func (s *Server) loadStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("load_status",
		mcplib.WithDescription("Report whether the engine has finished indexing the workspace"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleLoadStatus,
	}
}

func (s *Server) formatFileTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("format_file",
		mcplib.WithDescription("Format a PHP file with the configured code style"),
		mcplib.WithString("path",
			mcplib.Required(),
			mcplib.Description("File path or file:// URI"),
		),
		mcplib.WithBoolean("save",
			mcplib.Description("Write the formatted text back to disk"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleFormatFile,
	}
}

func (s *Server) listProjectFilesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_project_files",
		mcplib.WithDescription("List the files the engine considers part of the workspace"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListProjectFiles,
	}
}

// loadStatusResult is the load_status tool payload.
type loadStatusResult struct {
	State  lspDomain.LoadState  `json:"state"`
	Ready  bool                 `json:"ready"`
	Status lspDomain.LoadStatus `json:"status"`
}

// formatResult is the format_file tool payload.
type formatResult struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
	Changed bool   `json:"changed"`
	Saved   bool   `json:"saved"`
	Text    string `json:"text"`
}

func (s *Server) handleWorkspaceDiagnostics(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Analyzer == nil {
		return mcplib.NewToolResultError("analyzer not configured"), nil
	}
	diags, err := s.deps.Analyzer.CollectDiagnostics(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to collect diagnostics", err), nil
	}
	return marshalResult(diags, "diagnostics")
}

func (s *Server) handleLoadStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Analyzer == nil {
		return mcplib.NewToolResultError("analyzer not configured"), nil
	}
	return marshalResult(s.loadStatus(), "load status")
}

func (s *Server) handleFormatFile(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Analyzer == nil {
		return mcplib.NewToolResultError("analyzer not configured"), nil
	}
	args := req.GetArguments()
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return mcplib.NewToolResultError("path is required"), nil
	}
	save, _ := args["save"].(bool)

	uri, err := toURI(path)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("invalid path %s", path), err), nil
	}
	doc, changed, err := s.deps.Analyzer.FormatFile(ctx, uri, save)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to format %s", path), err), nil
	}
	return marshalResult(formatResult{
		URI:     doc.URI(),
		Version: doc.Version(),
		Changed: changed,
		Saved:   save && changed,
		Text:    doc.Text(),
	}, "format result")
}

func (s *Server) handleListProjectFiles(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Analyzer == nil {
		return mcplib.NewToolResultError("analyzer not configured"), nil
	}
	files, err := s.deps.Analyzer.ListProjectFiles(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list project files", err), nil
	}
	return marshalResult(files, "project files")
}

func (s *Server) loadStatus() loadStatusResult {
	ready := false
	select {
	case <-s.deps.Analyzer.Ready():
		ready = true
	default:
	}
	return loadStatusResult{
		State:  s.deps.Analyzer.LoadState(),
		Ready:  ready,
		Status: s.deps.Analyzer.LoadStatus(),
	}
}

func marshalResult(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func toURI(path string) (string, error) {
	if strings.HasPrefix(path, "file://") {
		if _, err := document.PathFromURI(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return document.URIFromPath(path)
}
