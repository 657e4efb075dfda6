// Package retime stamps the samples of a completed group with the output
// stream's clocks. Slot i of a group becomes output sample ref+i at the
// output rate, where ref is the group's system time expressed in output
// sample numbers.
package retime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/reorder"
	"github.com/zsiec/phasemux/internal/timebase"
)

// ErrUnknownClockType is returned by OutputClocks for a master clock whose
// type the retimer cannot carry.
var ErrUnknownClockType = errors.New("retime: unknown clock type")

// OutputClocks duplicates the master's clocks for the output stream. The
// default clock is re-rated to the output rate; every other clock is copied.
func OutputClocks(master []*media.ClockInfo, outputRate media.EditRate) ([]*media.ClockInfo, error) {
	out := make([]*media.ClockInfo, 0, len(master))
	for _, c := range master {
		switch c.Type {
		case media.ClockRelative, media.ClockTimeCode, media.ClockUnixEpoch:
		default:
			return nil, fmt.Errorf("%w: clock %q has type %d", ErrUnknownClockType, c.ID, int(c.Type))
		}
		dup := *c
		if c.ID == media.DefaultClock {
			dup.Rate = outputRate
		}
		out = append(out, &dup)
	}
	return out, nil
}

// Retimer rewrites the timing of completed groups. It is used from the
// consumer goroutine only, but the anchor accessors are safe to call from
// anywhere.
type Retimer struct {
	clocks     []*media.ClockInfo
	outputRate media.EditRate
	interlaced bool

	mu       sync.Mutex
	anchored bool
	anchor   int64
}

// New returns a Retimer for the given output clock set (see OutputClocks).
func New(clocks []*media.ClockInfo, outputRate media.EditRate, interlaced bool) *Retimer {
	return &Retimer{
		clocks:     clocks,
		outputRate: outputRate,
		interlaced: interlaced,
	}
}

// OutputRate returns the rate of the output default clock.
func (r *Retimer) OutputRate() media.EditRate {
	return r.outputRate
}

// Reset forgets the default-clock anchor; the next group retimed starts the
// output default clock at zero again.
func (r *Retimer) Reset() {
	r.mu.Lock()
	r.anchored = false
	r.anchor = 0
	r.mu.Unlock()
}

// Anchor returns the reference sample number the default clock counts from
// and whether it has been latched.
func (r *Retimer) Anchor() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchor, r.anchored
}

// latch fixes the default-clock anchor at ref unless one is already set.
func (r *Retimer) latch(ref int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.anchored {
		r.anchor = ref
		r.anchored = true
	}
	return r.anchor
}

// Reference returns the output sample number of a group stamped tp.
func (r *Retimer) Reference(tp int64) int64 {
	return timebase.SampleNumber(tp, r.outputRate)
}

// Retime returns new samples for every slot of c, in slot order. Inputs are
// not modified; payloads are shared with them. Retiming the same group twice
// yields identical timing.
func (r *Retimer) Retime(c reorder.Completed) []*media.Sample {
	if len(c.Slots) == 0 || c.Slots[0] == nil {
		return nil
	}
	ref := r.Reference(c.Slots[0].SystemTime())
	anchor := r.latch(ref)

	out := make([]*media.Sample, len(c.Slots))
	for i, s := range c.Slots {
		if s == nil {
			continue
		}
		n := ref + int64(i)
		rs := s.WithTimes(r.times(s, n, n-anchor))
		if r.interlaced {
			rs = rs.WithStructure(Parity(i))
		}
		out[i] = rs
	}
	return out
}

var nanoRate = media.EditRate{Num: 1_000_000_000, Den: 1}

// Parity returns the field parity of output slot i of an interlaced group.
func Parity(i int) media.PictureStructure {
	if i%2 == 0 {
		return media.PictureTop
	}
	return media.PictureBottom
}

func (r *Retimer) times(s *media.Sample, n, rel int64) []media.TimeLimits {
	times := make([]media.TimeLimits, 0, len(r.clocks))
	for _, c := range r.clocks {
		switch c.ID {
		case media.DefaultClock:
			times = append(times, media.TimeLimits{
				Clock:    c,
				EditRate: r.outputRate,
				Number:   rel,
				Duration: 1,
			})
		case media.SystemTimeClock:
			times = append(times, media.TimeLimits{
				Clock:    c,
				EditRate: nanoRate,
				Number:   timebase.Nanoseconds(n, r.outputRate),
				Duration: timebase.Span(n, r.outputRate),
			})
		default:
			if tl, ok := s.TimeInfo(c.ID); ok {
				tl.Clock = c
				times = append(times, tl)
			}
		}
	}
	return times
}
