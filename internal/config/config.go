// Package config provides hierarchical configuration loading for phpy.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"slices"
	"time"

	"github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// Config holds all runtime configuration for the phpy client.
type Config struct {
	Engine      Engine      `yaml:"engine"`
	Index       Index       `yaml:"index"`
	Ready       Ready       `yaml:"ready"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
	PHP         PHP         `yaml:"php"`
	Logging     Logging     `yaml:"logging"`
	Breaker     Breaker     `yaml:"breaker"`
	Cache       Cache       `yaml:"cache"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Engine holds analysis engine process configuration.
type Engine struct {
	Path            string        `yaml:"path"`
	Args            []string      `yaml:"args"`
	WorkDir         string        `yaml:"work_dir"`         // Engine cwd; empty = current directory
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // Per-request timeout for pull diagnostics and formatting
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period before the process is killed
}

// Index holds file collection and pipeline configuration.
type Index struct {
	Concurrency      int           `yaml:"concurrency"` // Max documents opened concurrently (default: 8)
	Include          []string      `yaml:"include"`
	Exclude          []string      `yaml:"exclude"`
	Extensions       []string      `yaml:"extensions"`
	Progress         bool          `yaml:"progress"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Ready policies.
const (
	ReadyImmediate = "immediate"
	ReadyDebounced = "debounced"
)

// Ready holds the readiness policy that decides when analysis results are final.
type Ready struct {
	Policy      string        `yaml:"policy"`       // "immediate" | "debounced"
	GracePeriod time.Duration `yaml:"grace_period"` // Debounce window after quiescence (default: 2.5s)
	Timeout     time.Duration `yaml:"timeout"`      // Max wait for readiness; 0 = no limit
}

// Diagnostics modes.
const (
	DiagnosticsPull = "pull"
	DiagnosticsPush = "push"
)

// Diagnostics holds diagnostics collection configuration.
type Diagnostics struct {
	Mode       string `yaml:"mode"`         // "pull" | "push"
	MaxPerFile int    `yaml:"max_per_file"` // 0 = unlimited
}

// PHP holds the language settings forwarded to the engine on initialize.
type PHP struct {
	Version           string        `yaml:"version"`
	CodeStyle         string        `yaml:"code_style"`
	Stubs             []string      `yaml:"stubs"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process source cache configuration.
type Cache struct {
	Enabled     bool          `yaml:"enabled"`
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ServiceName    string        `yaml:"service_name"`
	SampleRatio    float64       `yaml:"sample_ratio"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Engine: Engine{
			Path:            lsp.DefaultEngineCommand[0],
			Args:            slices.Clone(lsp.DefaultEngineCommand[1:]),
			RequestTimeout:  2 * time.Minute,
			ShutdownTimeout: 5 * time.Second,
		},
		Index: Index{
			Concurrency:      8,
			Include:          []string{"."},
			Exclude:          []string{"vendor", ".git", "node_modules"},
			Extensions:       []string{".php"},
			Progress:         true,
			ProgressInterval: 500 * time.Millisecond,
		},
		Ready: Ready{
			Policy:      ReadyDebounced,
			GracePeriod: 2500 * time.Millisecond,
		},
		Diagnostics: Diagnostics{
			Mode: DiagnosticsPull,
		},
		PHP: PHP{
			Version:           "8.4",
			CodeStyle:         lsp.DefaultCodeStyle,
			Stubs:             []string{"all"},
			HeartbeatInterval: 50 * time.Millisecond,
		},
		Logging: Logging{
			Level:   "info",
			Service: "phpy",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			Enabled:     true,
			L1MaxSizeMB: 64,
			TTL:         10 * time.Minute,
		},
		Telemetry: Telemetry{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ServiceName:    "phpy",
			SampleRatio:    1,
			ExportInterval: 15 * time.Second,
		},
	}
}
