package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/zsiec/phasemux/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagLogLevel   string
	flagVerbose    bool
	flagAPIAddr    string
	flagJournal    string
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phasemux",
		Short: "Multi-phase video multiplexer",
		Long: `phasemux combines N phase-shifted camera streams into one stream at N
times the per-phase frame rate, regrouping samples by timestamp and
retiming them onto a single output clock.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default $"+config.EnvConfig+")")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&flagAPIAddr, "api-addr", "", "REST API listen address")
	cmd.PersistentFlags().StringVar(&flagJournal, "journal", "", "event journal path")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// loadConfig resolves defaults, the config file, environment and flags into
// resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath:  flagConfigPath,
		LogLevel:    flagLogLevel,
		APIAddr:     flagAPIAddr,
		JournalPath: flagJournal,
	}
	if flagVerbose {
		cli.LogLevel = "debug"
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	resolvedCfg = cfg
	return nil
}

// buildLogger returns the process logger: text on a terminal, JSON
// otherwise, unless the config names a format.
func buildLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	format := cfg.LogFormat
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
