package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "PHASEMUX_CONFIG"
	EnvAPIAddr  = "PHASEMUX_API_ADDR"
	EnvLogLevel = "PHASEMUX_LOG_LEVEL"
)

// EnvOverrides holds values read from environment variables.
type EnvOverrides struct {
	ConfigPath string // PHASEMUX_CONFIG: config file path
	APIAddr    string // PHASEMUX_API_ADDR: API listen address
	LogLevel   string // PHASEMUX_LOG_LEVEL: log level
}

// ReadEnvOverrides reads the override environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		APIAddr:    os.Getenv(EnvAPIAddr),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.APIAddr != "" {
		cfg.API.Address = e.APIAddr
	}
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
}
