package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/phasemux/internal/api"
	"github.com/zsiec/phasemux/internal/certs"
	"github.com/zsiec/phasemux/internal/config"
	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/journal"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/output"
	"github.com/zsiec/phasemux/internal/phase"
	"github.com/zsiec/phasemux/internal/slsm"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the multiplexer",
		Long: `Initialize every configured phase source, start the engine and serve
the configured outputs and REST API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, resolvedCfg, buildLogger(resolvedCfg, os.Stderr))
		},
	}
}

// phaseSet holds the sources built from the phase configuration.
type phaseSet struct {
	sources  []slsm.Source
	srt      []*phase.SRTSource
	listener *phase.Listener
}

func buildPhases(cfg *config.Config, log *slog.Logger) (*phaseSet, error) {
	ps := &phaseSet{}
	n := len(cfg.Phases)
	for i, p := range cfg.Phases {
		switch p.Type {
		case config.SourceSynthetic:
			rate, err := config.ParseRate(p.Rate)
			if err != nil {
				return nil, fmt.Errorf("phase %s: %w", p.Key, err)
			}
			ps.sources = append(ps.sources, phase.NewSynthetic(phase.SyntheticConfig{
				Phase:      i,
				Phases:     n,
				Rate:       rate,
				Interlaced: p.Interlaced,
				Width:      p.Width,
				Height:     p.Height,
				Audio:      p.Audio,
				Jitter:     p.Jitter,
				DropEvery:  p.DropEvery,
				Count:      p.Count,
			}))
		case config.SourceSRTCaller:
			src := phase.NewSRTCaller(p.Key, p.Address, p.StreamID, log)
			ps.sources = append(ps.sources, src)
			ps.srt = append(ps.srt, src)
		case config.SourceSRTListener:
			if ps.listener == nil {
				ps.listener = phase.NewListener(cfg.SRTListener.Address, log)
			}
			src := ps.listener.Source(p.Key)
			ps.sources = append(ps.sources, src)
			ps.srt = append(ps.srt, src)
		default:
			return nil, fmt.Errorf("phase %s: unknown type %q", p.Key, p.Type)
		}
	}
	return ps, nil
}

func (ps *phaseSet) stats() any {
	out := make([]phase.SRTStats, len(ps.srt))
	for i, s := range ps.srt {
		out[i] = s.Stats()
	}
	return out
}

func (ps *phaseSet) close() {
	for _, s := range ps.srt {
		_ = s.Close()
	}
}

// expectedInfo is the stream every phase is initialized against.
func expectedInfo(cfg *config.Config) (media.StreamInfo, error) {
	if cfg.Engine.ExpectedRate == "" {
		return media.StreamInfo{}, nil
	}
	rate, err := config.ParseRate(cfg.Engine.ExpectedRate)
	if err != nil {
		return media.StreamInfo{}, fmt.Errorf("engine.expected_rate: %w", err)
	}
	return media.StreamInfo{Video: []*media.VideoInfo{{FrameRate: rate}}}, nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("phasemux starting", "version", version, "phases", len(cfg.Phases))

	phases, err := buildPhases(cfg, log)
	if err != nil {
		return err
	}
	defer phases.close()

	expected, err := expectedInfo(cfg)
	if err != nil {
		return err
	}

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(ctx, cfg.Journal.Path, log)
		if err != nil {
			return err
		}
		defer j.Close()
	}

	hub := events.NewHub(log)
	reporters := []events.Reporter{
		events.NewLogReporter(log, cfg.Engine.LogInterval, events.DefaultLogBurst),
		hub,
	}
	if j != nil {
		reporters = append(reporters, j)
	}

	relay := output.NewRelay(log)
	pins := output.Fanout{relay}
	if cfg.Output.Log {
		pins = append(pins, output.NewLogPin("output", log))
	}

	eng := slsm.New(phases.sources, &pins, &pins, slsm.Options{
		Depth:        cfg.Engine.Depth,
		NotifyEvery:  cfg.Engine.NotifyEvery,
		HighPriority: cfg.Engine.HighPriority,
		Logger:       log,
		Reporter:     events.Multi(reporters...),
	})

	if cfg.Output.SRTAddress != "" {
		srtPin := output.NewSRTPin(cfg.Output.SRTAddress, cfg.Output.SRTStreamID, eng.OutputInfo, log)
		defer srtPin.Close()
		pins = append(pins, srtPin)
	}

	var cert *certs.CertInfo
	if cfg.Output.QUICAddress != "" || cfg.API.TLS {
		cert, err = certs.Generate(certs.DefaultValidity, cfg.Output.QUICHosts...)
		if err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
		log.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	r := newRunner(eng, j, log)

	if phases.listener != nil {
		g.Go(func() error {
			return phases.listener.Serve(ctx)
		})
	}

	if cfg.Output.QUICAddress != "" {
		srv, err := output.NewQUICServer(output.QUICConfig{
			Addr:   cfg.Output.QUICAddress,
			Cert:   cert,
			Relay:  relay,
			Buffer: cfg.Output.QUICBuffer,
			Logger: log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	if cfg.API.Address != "" {
		apiCfg := api.Config{
			Engine:     r,
			Hub:        hub,
			Relay:      relay,
			PhaseStats: phases.stats,
			RunContext: ctx,
			Logger:     log,
		}
		if j != nil {
			apiCfg.Journal = j
		}
		if cert != nil {
			apiCfg.Fingerprint = cert.FingerprintBase64()
		}
		srv, err := api.NewServer(apiCfg)
		if err != nil {
			return err
		}

		var tlsConfig *tls.Config
		if cfg.API.TLS {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
		}
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.API.Address, tlsConfig)
		})
	}

	g.Go(func() error {
		// Sources may block in Init until their peers connect.
		if err := eng.Init(ctx, expected); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("init engine: %w", err)
		}
		relay.SetInfo(eng.OutputInfo())

		if err := r.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		r.Stop()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("phasemux stopped", "groups", eng.Stats().GroupsForwarded)
	return err
}
