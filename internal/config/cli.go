package config

import "fmt"

// CLIFlags holds command-line overrides. Nil fields leave the config untouched.
type CLIFlags struct {
	ConfigPath  *string
	EnginePath  *string
	LogLevel    *string
	Concurrency *int
	ReadyPolicy *string
	CodeStyle   *string
	Exclude     []string
}

// LoadWithCLI loads the config with the full hierarchy
// defaults < YAML < ENV < CLI and returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, f CLIFlags) {
	if f.EnginePath != nil {
		cfg.Engine.Path = *f.EnginePath
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.Concurrency != nil {
		cfg.Index.Concurrency = *f.Concurrency
	}
	if f.ReadyPolicy != nil {
		cfg.Ready.Policy = *f.ReadyPolicy
	}
	if f.CodeStyle != nil {
		cfg.PHP.CodeStyle = *f.CodeStyle
	}
	if len(f.Exclude) > 0 {
		cfg.Index.Exclude = append(cfg.Index.Exclude, f.Exclude...)
	}
}
