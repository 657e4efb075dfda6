package slsm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/sched"
)

// feed pulls samples from one phase source into the ring buffer until ctx is
// done. The write position only advances for samples that carry a system
// time.
func (e *Engine) feed(ctx context.Context, phase int, src Source) error {
	log := e.log.With("phase", phase)

	if e.opts.HighPriority {
		e.raisePriority(log)
	}

	var position uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		s, err := src.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrEndOfStream) {
				log.Info("phase source ended", "samples", position)
				return nil
			}
			e.report(events.New(events.KindFetchFailed, phase, 0, "phase source fetch failed").WithErr(err))
			if !sleep(ctx, e.params.WaitTimeout) {
				return nil
			}
			continue
		}

		if s == nil || s.SystemTime() == 0 {
			e.report(events.New(events.KindNullTimestamp, phase, 0, "sample without system time discarded"))
			continue
		}

		e.ring.Push(s, position, phase)
		position++
	}
}

// raisePriority elevates the calling thread. Failure is logged and the loop
// runs at normal priority.
func (e *Engine) raisePriority(log *slog.Logger) {
	if err := e.elevate(); err != nil {
		log.Warn("could not raise thread priority", "error", err)
		return
	}
	log.Debug("thread priority raised", "nice", sched.HighestNice)
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
