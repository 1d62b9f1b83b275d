package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "phpy.yaml"

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Engine.Path, "PHPY_ENGINE_PATH")
	setList(&cfg.Engine.Args, "PHPY_ENGINE_ARGS")
	setString(&cfg.Engine.WorkDir, "PHPY_ENGINE_WORK_DIR")
	setDuration(&cfg.Engine.RequestTimeout, "PHPY_ENGINE_REQUEST_TIMEOUT")
	setDuration(&cfg.Engine.ShutdownTimeout, "PHPY_ENGINE_SHUTDOWN_TIMEOUT")

	// Index
	setInt(&cfg.Index.Concurrency, "PHPY_INDEX_CONCURRENCY")
	setList(&cfg.Index.Include, "PHPY_INDEX_INCLUDE")
	setList(&cfg.Index.Exclude, "PHPY_INDEX_EXCLUDE")
	setList(&cfg.Index.Extensions, "PHPY_INDEX_EXTENSIONS")
	setBool(&cfg.Index.Progress, "PHPY_INDEX_PROGRESS")

	// Readiness
	setString(&cfg.Ready.Policy, "PHPY_READY_POLICY")
	setDuration(&cfg.Ready.GracePeriod, "PHPY_READY_GRACE_PERIOD")
	setDuration(&cfg.Ready.Timeout, "PHPY_READY_TIMEOUT")

	setString(&cfg.Diagnostics.Mode, "PHPY_DIAGNOSTICS_MODE")
	setInt(&cfg.Diagnostics.MaxPerFile, "PHPY_DIAGNOSTICS_MAX_PER_FILE")

	// PHP
	setString(&cfg.PHP.Version, "PHPY_PHP_VERSION")
	setString(&cfg.PHP.CodeStyle, "PHPY_PHP_CODE_STYLE")
	setList(&cfg.PHP.Stubs, "PHPY_PHP_STUBS")
	setDuration(&cfg.PHP.HeartbeatInterval, "PHPY_PHP_HEARTBEAT_INTERVAL")

	setString(&cfg.Logging.Level, "PHPY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PHPY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PHPY_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "PHPY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PHPY_BREAKER_TIMEOUT")

	// Cache
	setBool(&cfg.Cache.Enabled, "PHPY_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "PHPY_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "PHPY_CACHE_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "PHPY_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "PHPY_OTEL_INSECURE")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.Telemetry.SampleRatio, "PHPY_OTEL_SAMPLE_RATIO")
	setDuration(&cfg.Telemetry.ExportInterval, "PHPY_OTEL_EXPORT_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Engine.Path == "" {
		return errors.New("engine.path is required")
	}
	if cfg.Index.Concurrency < 0 {
		return errors.New("index.concurrency must be >= 0")
	}
	switch cfg.Ready.Policy {
	case ReadyImmediate, ReadyDebounced:
	default:
		return fmt.Errorf("ready.policy must be %q or %q, got %q", ReadyImmediate, ReadyDebounced, cfg.Ready.Policy)
	}
	if cfg.Ready.Policy == ReadyDebounced && cfg.Ready.GracePeriod <= 0 {
		return errors.New("ready.grace_period must be > 0 for the debounced policy")
	}
	switch cfg.Diagnostics.Mode {
	case DiagnosticsPull, DiagnosticsPush:
	default:
		return fmt.Errorf("diagnostics.mode must be %q or %q, got %q", DiagnosticsPull, DiagnosticsPush, cfg.Diagnostics.Mode)
	}
	if err := lsp.ValidateCodeStyle(cfg.PHP.CodeStyle); err != nil {
		return fmt.Errorf("php.code_style: %w", err)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList splits a comma-separated value.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
