package service

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/DEVSENSE/phpy/internal/config"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// handlePublishDiagnostics replaces the pushed list for one URI.
func (s *AnalysisService) handlePublishDiagnostics(params json.RawMessage) {
	var fd lspDomain.FileDiagnostics
	if err := json.Unmarshal(params, &fd); err != nil {
		s.logger.Warn("invalid publishDiagnostics payload", "error", err)
		return
	}

	// An empty list is kept: the file was analyzed and is clean.
	if fd.Diagnostics == nil {
		fd.Diagnostics = []lspDomain.Diagnostic{}
	}
	s.diagMu.Lock()
	s.pushed[fd.URI] = fd.Diagnostics
	s.diagMu.Unlock()

	s.load.diagnosticsActivity()
}

// PushedDiagnostics returns a copy of the diagnostics received through
// textDocument/publishDiagnostics, keyed by URI.
func (s *AnalysisService) PushedDiagnostics() map[string][]lspDomain.Diagnostic {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()

	out := make(map[string][]lspDomain.Diagnostic, len(s.pushed))
	for uri, diags := range s.pushed {
		out[uri] = s.limit(slices.Clone(diags))
	}
	return out
}

// Diagnostics pulls the complete workspace diagnostics from the engine.
// The pushed map is neither consulted nor modified.
func (s *AnalysisService) Diagnostics(ctx context.Context) ([]lspDomain.FileDiagnostics, error) {
	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var result []lspDomain.FileDiagnostics
	if err := engine.Request(ctx, lspDomain.MethodWorkspaceDiagnostics, nil, &result); err != nil {
		return nil, fmt.Errorf("pull diagnostics: %w", err)
	}

	total := 0
	for i := range result {
		result[i].Diagnostics = s.limit(result[i].Diagnostics)
		total += len(result[i].Diagnostics)
	}
	s.metrics.RecordDiagnostics(ctx, total)
	return result, nil
}

// CollectDiagnostics returns diagnostics using the configured mode. Pushed
// diagnostics are returned sorted by URI.
func (s *AnalysisService) CollectDiagnostics(ctx context.Context) ([]lspDomain.FileDiagnostics, error) {
	if s.cfg.Diagnostics.Mode != config.DiagnosticsPush {
		return s.Diagnostics(ctx)
	}

	pushed := s.PushedDiagnostics()
	out := make([]lspDomain.FileDiagnostics, 0, len(pushed))
	total := 0
	for _, uri := range slices.Sorted(maps.Keys(pushed)) {
		out = append(out, lspDomain.FileDiagnostics{URI: uri, Diagnostics: pushed[uri]})
		total += len(pushed[uri])
	}
	s.metrics.RecordDiagnostics(ctx, total)
	return out, nil
}

func (s *AnalysisService) limit(diags []lspDomain.Diagnostic) []lspDomain.Diagnostic {
	if n := s.cfg.Diagnostics.MaxPerFile; n > 0 && len(diags) > n {
		return diags[:n]
	}
	return diags
}

// FormatDiagnostics renders diagnostics one per line as
// path:line:col: severity: message [code].
func FormatDiagnostics(files []lspDomain.FileDiagnostics, displayPath func(uri string) string) string {
	var sb strings.Builder
	for _, fd := range files {
		name := fd.URI
		if displayPath != nil {
			name = displayPath(fd.URI)
		}
		for _, d := range fd.Diagnostics {
			fmt.Fprintf(&sb, "%s:%d:%d: %s: %s", name, d.Range.Start.Line+1, d.Range.Start.Character+1, d.SeverityName(), d.Message)
			if d.Code != "" {
				fmt.Fprintf(&sb, " [%s]", d.Code)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
