package lsp

import (
	"fmt"
	"slices"
	"time"
)

// DefaultEngineCommand launches the Devsense PHP language server over stdio.
// Lazy caching of composer packages in vendor/ is disabled so the engine
// reports a complete load status for the workspace.
var DefaultEngineCommand = []string{"devsense.php.ls", "--composerNodes", "false"}

// DefaultCodeStyle is the formatting style used when none is configured.
const DefaultCodeStyle = "PSR12"

// CodeStyles lists the formatting styles understood by the engine.
var CodeStyles = []string{
	"Off", // formatting disabled
	"PHPTools",
	"PSR2",
	"WordPress",
	"Allman",
	"KaR",
	"PSR12",
	"Laravel",
	"Drupal",
	"Joomla",
	"PER",
}

// ValidateCodeStyle returns an error when style is not one of CodeStyles.
func ValidateCodeStyle(style string) error {
	if slices.Contains(CodeStyles, style) {
		return nil
	}
	return fmt.Errorf("unknown code style %q", style)
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProcessID             int                   `json:"processId"`
	RootURI               string                `json:"rootUri"`
	Capabilities          map[string]any        `json:"capabilities"`
	InitializationOptions InitializationOptions `json:"initializationOptions"`
}

// InitializationOptions is the engine configuration bag. Keys mirror the
// engine's settings names; the client forwards them without interpretation.
type InitializationOptions struct {
	// ClientFeatures opts into engine extensions, e.g. devsense/loadStatus.
	ClientFeatures []string `json:"clientFeatures"`

	FilesAssociations     map[string]string `json:"files.associations"`
	FilesExclude          map[string]bool   `json:"files.exclude"`
	FilesInsertFinalNL    bool              `json:"files.insertFinalNewline"`
	FilesEOL              string            `json:"files.eol"`
	SearchExclude         map[string]bool   `json:"search.exclude"`
	CodeActionsEnabled    bool              `json:"php.codeActions.enabled"`
	Language              string            `json:"phpTools.language"`
	HeartBeatIntervalMS   int64             `json:"phpTools.heartBeatInterval"`
	ProblemsExclude       map[string]any    `json:"php.problems.exclude"`
	ProblemsScope         string            `json:"php.problems.scope"`
	Stubs                 []string          `json:"php.stubs"`
	PHPVersion            string            `json:"php.version"`
	ShortOpenTag          bool              `json:"php.workspace.shortOpenTag"`
	EnableOnlineCache     bool              `json:"php.cache.enableOnlineCache"`
	CodeLensEnabled       bool              `json:"php.codeLens.enabled"`
	SortUsesCaseSensitive bool              `json:"php.sortUses.caseSensitive"`
	CodeStyle             string            `json:"php.format.codeStyle"`
}

// WorkspaceOptions are the caller-facing knobs used to build InitializeParams.
type WorkspaceOptions struct {
	ProcessID         int
	RootURI           string
	Exclude           []string
	PHPVersion        string
	CodeStyle         string
	Stubs             []string
	HeartbeatInterval time.Duration
}

// NewInitializeParams assembles the configuration bag sent with initialize.
func NewInitializeParams(opts WorkspaceOptions) InitializeParams {
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, glob := range opts.Exclude {
		exclude[glob] = true
	}
	stubs := opts.Stubs
	if len(stubs) == 0 {
		stubs = []string{"all"}
	}
	style := opts.CodeStyle
	if style == "" {
		style = DefaultCodeStyle
	}

	return InitializeParams{
		ProcessID:    opts.ProcessID,
		RootURI:      opts.RootURI,
		Capabilities: map[string]any{},
		InitializationOptions: InitializationOptions{
			ClientFeatures:      []string{MethodLoadStatus},
			FilesAssociations:   map[string]string{"*.php": LanguagePHP},
			FilesExclude:        exclude,
			FilesInsertFinalNL:  true,
			FilesEOL:            "\n",
			SearchExclude:       map[string]bool{},
			Language:            "en",
			HeartBeatIntervalMS: opts.HeartbeatInterval.Milliseconds(),
			ProblemsExclude:     map[string]any{},
			ProblemsScope:       "all",
			Stubs:               stubs,
			PHPVersion:          opts.PHPVersion,
			CodeStyle:           style,
		},
	}
}
