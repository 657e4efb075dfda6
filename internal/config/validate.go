package config

import (
	"errors"
	"fmt"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

var validSourceTypes = map[string]bool{
	SourceSynthetic:   true,
	SourceSRTCaller:   true,
	SourceSRTListener: true,
}

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel))
	}
	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: invalid value %q (must be auto, text, or json)", cfg.LogFormat))
	}

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validatePhases(cfg)...)
	errs = append(errs, validateOutput(&cfg.Output)...)

	return errors.Join(errs...)
}

func validateEngine(e *EngineConfig) []error {
	var errs []error
	if e.Depth < 0 {
		errs = append(errs, fmt.Errorf("engine.depth: must be >= 0, got %d", e.Depth))
	}
	if e.NotifyEvery < 0 {
		errs = append(errs, fmt.Errorf("engine.notify_every: must be >= 0, got %d", e.NotifyEvery))
	}
	if e.LogInterval < 0 {
		errs = append(errs, fmt.Errorf("engine.log_interval: must be >= 0, got %s", e.LogInterval))
	}
	if e.ExpectedRate != "" {
		if _, err := ParseRate(e.ExpectedRate); err != nil {
			errs = append(errs, fmt.Errorf("engine.expected_rate: %w", err))
		}
	}
	return errs
}

func validatePhases(cfg *Config) []error {
	var errs []error
	if len(cfg.Phases) < 2 {
		errs = append(errs, fmt.Errorf("phase: at least 2 phases are required, got %d", len(cfg.Phases)))
	}

	keys := make(map[string]int, len(cfg.Phases))
	syntheticRate := ""
	for i, p := range cfg.Phases {
		field := fmt.Sprintf("phase[%d]", i)
		if !validSourceTypes[p.Type] {
			errs = append(errs, fmt.Errorf("%s.type: invalid value %q (must be synthetic, srt-caller, or srt-listener)", field, p.Type))
		}
		if p.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key: must not be empty", field))
		} else if j, dup := keys[p.Key]; dup {
			errs = append(errs, fmt.Errorf("%s.key: %q already used by phase[%d]", field, p.Key, j))
		} else {
			keys[p.Key] = i
		}

		switch p.Type {
		case SourceSRTCaller:
			if p.Address == "" {
				errs = append(errs, fmt.Errorf("%s.address: required for srt-caller", field))
			}
		case SourceSRTListener:
			if cfg.SRTListener.Address == "" {
				errs = append(errs, fmt.Errorf("%s: srt-listener requires srt_listener.address", field))
			}
		case SourceSynthetic:
			if _, err := ParseRate(p.Rate); err != nil {
				errs = append(errs, fmt.Errorf("%s.rate: %w", field, err))
			} else if syntheticRate == "" {
				syntheticRate = p.Rate
			} else if p.Rate != syntheticRate {
				errs = append(errs, fmt.Errorf("%s.rate: %q differs from %q; all phases must share one rate", field, p.Rate, syntheticRate))
			}
			if p.Width <= 0 || p.Height <= 0 {
				errs = append(errs, fmt.Errorf("%s: width and height must be positive", field))
			}
			if p.DropEvery < 0 || p.Count < 0 {
				errs = append(errs, fmt.Errorf("%s: drop_every and count must be >= 0", field))
			}
			if p.Jitter < 0 {
				errs = append(errs, fmt.Errorf("%s.jitter: must be >= 0", field))
			}
		}
	}
	return errs
}

func validateOutput(o *OutputConfig) []error {
	var errs []error
	if o.QUICBuffer < 0 {
		errs = append(errs, fmt.Errorf("output.quic_buffer: must be >= 0, got %d", o.QUICBuffer))
	}
	if o.SRTStreamID != "" && o.SRTAddress == "" {
		errs = append(errs, errors.New("output.srt_stream_id: set without output.srt_address"))
	}
	return errs
}
