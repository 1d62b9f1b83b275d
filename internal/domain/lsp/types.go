// Package lsp defines domain types for the language server protocol spoken with the
// PHP analysis engine. These types are transport-independent and shared by the
// document model, the RPC session and the analysis service.
package lsp

import (
	"encoding/json"
	"strconv"
)

// Position in a text document (0-based line and character).
// Character is passed through exactly as the engine reports it.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Compare orders positions by line, then character.
// It returns a negative number when p < o, zero when equal, positive when p > o.
func (p Position) Compare(o Position) int {
	if p.Line != o.Line {
		return p.Line - o.Line
	}
	return p.Character - o.Character
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit replaces the text in Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// DiagnosticSeverity mirrors LSP DiagnosticSeverity.
const (
	SeverityError   = 1
	SeverityWarning = 2
	SeverityInfo    = 3
	SeverityHint    = 4
)

// Diagnostic represents a problem reported by the engine.
type Diagnostic struct {
	Range    Range          `json:"range"`
	Severity int            `json:"severity,omitempty"` // 1=Error, 2=Warning, 3=Info, 4=Hint
	Code     DiagnosticCode `json:"code,omitempty"`
	Source   string         `json:"source,omitempty"`
	Message  string         `json:"message"`
}

// SeverityName returns a lowercase label for the diagnostic severity.
func (d Diagnostic) SeverityName() string {
	switch d.Severity {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// DiagnosticCode is the diagnostic code. The wire form is int | string.
type DiagnosticCode string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (c *DiagnosticCode) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = DiagnosticCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = DiagnosticCode(n.String())
	return nil
}

// MarshalJSON writes codes in canonical integer form as numbers and
// everything else, including "0413" or "+1", as strings.
func (c DiagnosticCode) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(c), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(c) {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}

// FileDiagnostics pairs a document URI with its diagnostics.
// It is both the workspace/diagnostics result item and the
// textDocument/publishDiagnostics payload.
type FileDiagnostics struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// TextDocumentIdentifier identifies a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem carries a full document snapshot to the engine.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// DidOpenTextDocumentParams is the textDocument/didOpen payload.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams is the textDocument/didClose payload.
// The engine accepts the full item, matching didOpen.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// FormattingOptions are the optional LSP formatting options.
type FormattingOptions struct {
	TabSize                int  `json:"tabSize"`
	InsertSpaces           bool `json:"insertSpaces"`
	TrimTrailingWhitespace bool `json:"trimTrailingWhitespace,omitempty"`
	InsertFinalNewline     bool `json:"insertFinalNewline,omitempty"`
	TrimFinalNewlines      bool `json:"trimFinalNewlines,omitempty"`
}

// RangeFormattingParams is the devsense/phpRangeFormatting payload.
type RangeFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Options      *FormattingOptions     `json:"options,omitempty"`
	HTMLEdits    []TextEdit             `json:"htmlEdits"`
}

// LoadStatus is the devsense/loadStatus payload pushed by the engine.
type LoadStatus struct {
	TotalFiles      int  `json:"totalFiles"`
	PendingParse    int  `json:"pendingParse"`
	PendingAnalysis int  `json:"pendingAnalysis"`
	IsLoadPending   bool `json:"isLoadPending"`
}

// Quiescent reports whether the engine has no pending work.
func (s LoadStatus) Quiescent() bool {
	return !s.IsLoadPending && s.PendingParse == 0 && s.PendingAnalysis == 0
}

// LoadState is the client-side view of the engine's indexing progress.
type LoadState string

const (
	LoadStateIdle      LoadState = "idle"
	LoadStateLoading   LoadState = "loading"
	LoadStateQuiescent LoadState = "quiescent"
)

// MessageParams is the window/logMessage and window/showMessage payload.
type MessageParams struct {
	Type    int    `json:"type"` // 1=Error, 2=Warning, 3=Info, 4=Log
	Message string `json:"message"`
}

// Method names spoken with the engine.
const (
	MethodInitialize           = "initialize"
	MethodInitialized          = "initialized"
	MethodExit                 = "exit"
	MethodLoadStatus           = "devsense/loadStatus"
	MethodRangeFormatting      = "devsense/phpRangeFormatting"
	MethodWorkspaceDiagnostics = "workspace/diagnostics"
	MethodListProjectFiles     = "devsense/listProjectFiles"
	MethodPublishDiagnostics   = "textDocument/publishDiagnostics"
	MethodDidOpen              = "textDocument/didOpen"
	MethodDidClose             = "textDocument/didClose"
	MethodLogMessage           = "window/logMessage"
	MethodShowMessage          = "window/showMessage"
	MethodTelemetryEvent       = "telemetry/event"
	MethodCodeLensRefresh      = "workspace/codeLens/refresh"
	MethodInlayHintRefresh     = "workspace/inlayHint/refresh"
)

// LanguagePHP is the language id sent with every opened document.
const LanguagePHP = "php"
