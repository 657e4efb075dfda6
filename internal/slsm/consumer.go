package slsm

import (
	"context"
	"fmt"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/reorder"
)

// consume is the single reorder loop. It wakes when feeders signal new data,
// or after the wait timeout to re-check ctx, and runs one reorder cycle over
// the detached ring generation. On timeout, writes that stayed below the
// notification threshold are collected too.
func (e *Engine) consume(ctx context.Context) error {
	if e.opts.HighPriority {
		e.raisePriority(e.log.With("loop", "consumer"))
	}

	for {
		if !e.ring.Wait(ctx, e.params.WaitTimeout) {
			if ctx.Err() != nil {
				return nil
			}
			if !e.ring.Dirty() {
				continue
			}
		}
		e.cycle(ctx)
	}
}

func (e *Engine) cycle(ctx context.Context) {
	res := e.asm.Cycle(e.ring.Swap())
	for _, an := range res.Anomalies {
		e.report(e.anomalyEvent(an))
	}
	for _, c := range res.Completed {
		e.forward(ctx, c)
	}
}

func (e *Engine) anomalyEvent(an reorder.Anomaly) events.Event {
	switch an.Kind {
	case reorder.AnomalyLate:
		return events.New(events.KindTimingSkew, an.Slot%e.params.Phases, an.TP,
			fmt.Sprintf("sample behind group %d discarded", an.GroupTP))
	default:
		size := e.asm.Group().Size()
		return events.New(events.KindIncompleteSequence, -1, an.GroupTP,
			fmt.Sprintf("incomplete sequence dropped, %d of %d slots missing", an.Missing, size))
	}
}
