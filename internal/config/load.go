package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applies defaults, validates it
// and returns the resulting Config. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := baseConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	cfg.applyPhaseDefaults()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists and returns the defaults otherwise.
// An empty path means no file.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Resolve loads the configuration and applies the override chain:
// defaults, then the config file, then environment variables, then CLI
// flags. The result is validated again after overrides.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	path := env.ConfigPath
	if cli.ConfigPath != "" {
		path = cli.ConfigPath
	}

	var (
		cfg *Config
		err error
	)
	if cli.ConfigPath != "" {
		// An explicit --config must exist.
		cfg, err = Load(path)
	} else {
		cfg, err = LoadOrDefault(path)
	}
	if err != nil {
		return nil, err
	}

	env.apply(cfg)
	cli.apply(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// CLIOverrides holds values from command-line flags. Empty fields leave the
// configuration unchanged.
type CLIOverrides struct {
	ConfigPath  string
	LogLevel    string
	APIAddr     string
	JournalPath string
}

func (o CLIOverrides) apply(cfg *Config) {
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.APIAddr != "" {
		cfg.API.Address = o.APIAddr
	}
	if o.JournalPath != "" {
		cfg.Journal.Path = o.JournalPath
	}
}
