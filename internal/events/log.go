package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultLogBurst is how many events of one kind are logged back to back
// before rate limiting kicks in.
const DefaultLogBurst = 10

// LogReporter writes events to a slog.Logger. A broken source can produce an
// event per sample at several hundred samples per second, so each kind is
// rate limited separately and the number of suppressed lines is reported with
// the next line that gets through.
type LogReporter struct {
	log   *slog.Logger
	every time.Duration
	burst int

	mu         sync.Mutex
	limiters   map[Kind]*rate.Limiter
	suppressed map[Kind]int
}

// NewLogReporter returns a LogReporter that logs at most burst events of a
// kind at once and then one per interval. A zero interval disables limiting.
// If log is nil, slog.Default() is used.
func NewLogReporter(log *slog.Logger, interval time.Duration, burst int) *LogReporter {
	if log == nil {
		log = slog.Default()
	}
	if burst <= 0 {
		burst = DefaultLogBurst
	}
	return &LogReporter{
		log:        log.With("component", "events"),
		every:      interval,
		burst:      burst,
		limiters:   make(map[Kind]*rate.Limiter),
		suppressed: make(map[Kind]int),
	}
}

// Report logs e unless its kind is currently rate limited.
func (r *LogReporter) Report(e Event) {
	suppressed, ok := r.admit(e.Kind)
	if !ok {
		return
	}

	attrs := []slog.Attr{
		slog.String("kind", e.Kind.String()),
		slog.Int("phase", e.Phase),
	}
	if e.TP != 0 {
		attrs = append(attrs, slog.Int64("tp", e.TP))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", suppressed))
	}

	r.log.LogAttrs(context.Background(), level(e.Severity), e.Message, attrs...)
}

func (r *LogReporter) admit(k Kind) (int, bool) {
	if r.every <= 0 {
		return 0, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.limiters[k] = l
	}
	if !l.Allow() {
		r.suppressed[k]++
		return 0, false
	}
	n := r.suppressed[k]
	r.suppressed[k] = 0
	return n, true
}

func level(s Severity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
