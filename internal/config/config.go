// Package config loads the phasemux TOML configuration: defaults, the config
// file, environment overrides and validation.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/phasemux/internal/media"
)

// Phase source types.
const (
	SourceSynthetic   = "synthetic"
	SourceSRTCaller   = "srt-caller"
	SourceSRTListener = "srt-listener"
)

// Default values.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "auto"
	DefaultAPIAddr   = ":8080"
	DefaultRate      = "50"
	DefaultWidth     = 1920
	DefaultHeight    = 1080
	DefaultJournal   = "phasemux.db"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Engine      EngineConfig      `toml:"engine"`
	Phases      []PhaseConfig     `toml:"phase"`
	SRTListener SRTListenerConfig `toml:"srt_listener"`
	Output      OutputConfig      `toml:"output"`
	API         APIConfig         `toml:"api"`
	Journal     JournalConfig     `toml:"journal"`
}

// EngineConfig configures the multiplexer.
type EngineConfig struct {
	Depth        int  `toml:"depth"`
	NotifyEvery  int  `toml:"notify_every"`
	HighPriority bool `toml:"high_priority"`
	// ExpectedRate, if set, is the per-phase frame rate every source must
	// produce ("num/den" or an integer).
	ExpectedRate string `toml:"expected_rate"`
	// LogInterval rate-limits anomaly log lines per kind; 0 disables the
	// limit.
	LogInterval time.Duration `toml:"log_interval"`
}

// PhaseConfig configures one phase source. Phases are listed in phase
// order; the first is the master.
type PhaseConfig struct {
	Type string `toml:"type"`
	Key  string `toml:"key"`

	// srt-caller
	Address  string `toml:"address"`
	StreamID string `toml:"stream_id"`

	// synthetic
	Rate       string        `toml:"rate"`
	Interlaced bool          `toml:"interlaced"`
	Width      int           `toml:"width"`
	Height     int           `toml:"height"`
	Audio      bool          `toml:"audio"`
	Jitter     time.Duration `toml:"jitter"`
	DropEvery  int           `toml:"drop_every"`
	Count      int           `toml:"count"`
}

// SRTListenerConfig configures the shared listener used by srt-listener
// phases.
type SRTListenerConfig struct {
	Address string `toml:"address"`
}

// OutputConfig configures the output pins.
type OutputConfig struct {
	Log         bool     `toml:"log"`
	SRTAddress  string   `toml:"srt_address"`
	SRTStreamID string   `toml:"srt_stream_id"`
	QUICAddress string   `toml:"quic_address"`
	QUICHosts   []string `toml:"quic_hosts"`
	QUICBuffer  int      `toml:"quic_buffer"`
}

// APIConfig configures the REST API. An empty address disables it.
type APIConfig struct {
	Address string `toml:"address"`
	TLS     bool   `toml:"tls"`
}

// JournalConfig configures the SQLite event journal. An empty path disables
// it.
type JournalConfig struct {
	Path string `toml:"path"`
}

// DefaultConfig returns a configuration with every default applied and two
// synthetic phases, so phasemux runs without a config file.
func DefaultConfig() *Config {
	c := baseConfig()
	c.applyPhaseDefaults()
	return c
}

// baseConfig returns the defaults a config file is decoded over. Phases are
// left empty so that a file listing its own phases replaces them entirely.
func baseConfig() *Config {
	return &Config{
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Engine: EngineConfig{
			LogInterval: time.Second,
		},
		Output:  OutputConfig{Log: true},
		API:     APIConfig{Address: DefaultAPIAddr},
		Journal: JournalConfig{Path: DefaultJournal},
	}
}

// applyPhaseDefaults adds two synthetic phases when none are configured and
// fills unset per-phase fields.
func (c *Config) applyPhaseDefaults() {
	if len(c.Phases) == 0 {
		c.Phases = []PhaseConfig{{Type: SourceSynthetic}, {Type: SourceSynthetic}}
	}
	for i := range c.Phases {
		p := &c.Phases[i]
		if p.Key == "" {
			p.Key = "p" + strconv.Itoa(i)
		}
		if p.Type == SourceSynthetic {
			if p.Rate == "" {
				p.Rate = DefaultRate
			}
			if p.Width == 0 {
				p.Width = DefaultWidth
			}
			if p.Height == 0 {
				p.Height = DefaultHeight
			}
		}
	}
}

// ParseRate parses an edit rate written as "num/den" or as an integer.
func ParseRate(s string) (media.EditRate, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return media.EditRate{}, fmt.Errorf("invalid rate %q", s)
	}
	d := int64(1)
	if found {
		if d, err = strconv.ParseInt(strings.TrimSpace(den), 10, 64); err != nil {
			return media.EditRate{}, fmt.Errorf("invalid rate %q", s)
		}
	}
	r := media.EditRate{Num: n, Den: d}
	if !r.Valid() {
		return media.EditRate{}, fmt.Errorf("invalid rate %q: numerator and denominator must be positive", s)
	}
	return r, nil
}
