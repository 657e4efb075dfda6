package slsm

import (
	"context"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/reorder"
)

// forward retimes a complete group and pushes it to the video pin, then the
// master phase's untouched audio, if any, to the audio pin. Push failures are reported
// and the group is considered processed either way.
func (e *Engine) forward(ctx context.Context, c reorder.Completed) {
	samples := e.retimer.Retime(c)
	if len(samples) == 0 {
		return
	}

	seq := &media.Sequence{Kind: media.SequenceVideo, TP: c.TP, Samples: samples}
	if err := e.video.Push(ctx, seq); err != nil {
		e.report(events.New(events.KindPushFailed, -1, c.TP, "video push failed").WithErr(err))
	} else {
		e.stats.RecordGroup(c.TP, len(samples))
	}

	master := c.Slots[0]
	if !e.params.HasAudio || e.audio == nil || len(master.Audio) == 0 {
		return
	}
	// Audio is identical across phases; only the master's is kept, with its
	// own time limits.
	aseq := &media.Sequence{Kind: media.SequenceAudio, TP: c.TP, Samples: []*media.Sample{master.AudioOnly()}}
	if err := e.audio.Push(ctx, aseq); err != nil {
		e.report(events.New(events.KindPushFailed, 0, c.TP, "audio push failed").WithErr(err))
		return
	}
	e.stats.RecordAudio()
}
