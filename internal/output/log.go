package output

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/phasemux/internal/media"
)

// LogPin logs a summary of every sequence it receives at debug level and
// counts them. It is the default pin when no other output is configured.
type LogPin struct {
	log     *slog.Logger
	count   atomic.Int64
	samples atomic.Int64
}

// NewLogPin returns a LogPin named name. If log is nil, slog.Default() is
// used.
func NewLogPin(name string, log *slog.Logger) *LogPin {
	if log == nil {
		log = slog.Default()
	}
	return &LogPin{log: log.With("component", "log-pin", "pin", name)}
}

// Push implements slsm.Pin.
func (p *LogPin) Push(_ context.Context, seq *media.Sequence) error {
	n := p.count.Add(1)
	p.samples.Add(int64(len(seq.Samples)))

	if p.log.Enabled(context.Background(), slog.LevelDebug) {
		var first, last int64
		if len(seq.Samples) > 0 {
			if tl, ok := seq.Samples[0].TimeInfo(media.DefaultClock); ok {
				first = tl.Number
			}
			if tl, ok := seq.Samples[len(seq.Samples)-1].TimeInfo(media.DefaultClock); ok {
				last = tl.Number
			}
		}
		p.log.Debug("sequence",
			"n", n,
			"kind", seq.Kind.String(),
			"tp", seq.TP,
			"samples", len(seq.Samples),
			"first", first,
			"last", last,
		)
	}
	return nil
}

// Count returns the number of sequences received.
func (p *LogPin) Count() int64 {
	return p.count.Load()
}

// Samples returns the total number of samples received.
func (p *LogPin) Samples() int64 {
	return p.samples.Load()
}
