// Package phase provides phase sources for the slsm engine: a synthetic
// generator for testing and demos, and SRT sources that receive wire-framed
// samples from remote capture processes.
package phase

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/slsm"
	"github.com/zsiec/phasemux/internal/timebase"
)

// Compile-time interface checks.
var (
	_ slsm.Source = (*Synthetic)(nil)
	_ slsm.Source = (*SRTSource)(nil)
)

// ErrInfoMismatch is returned by Init when a source cannot produce the
// expected stream.
var ErrInfoMismatch = errors.New("phase: stream info mismatch")

var systemClock = &media.ClockInfo{
	ID:   media.SystemTimeClock,
	Type: media.ClockUnixEpoch,
	Rate: media.EditRate{Num: int64(time.Second), Den: 1},
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	// Phase is this source's index and Phases the total number of phases;
	// sample n is emitted Phase/Phases of a period after its timestamp.
	Phase  int
	Phases int
	// Rate is the per-phase sample rate. With Interlaced it is the field rate.
	Rate       media.EditRate
	Interlaced bool
	Width      int
	Height     int
	// Audio attaches one stereo 48 kHz audio essence to every sample.
	Audio bool
	// Jitter delays each emission by a random duration in [0, Jitter).
	Jitter time.Duration
	// DropEvery skips every DropEvery-th sample when > 0.
	DropEvery int
	// Count stops the source after that many samples when > 0.
	Count int
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Synthetic produces timestamped samples in real time, as if captured by one
// phase of a multi-phase camera. All phases with the same rate stamp sample n
// with the same system time, so their outputs group together.
type Synthetic struct {
	cfg    SyntheticConfig
	clocks []*media.ClockInfo
	info   media.StreamInfo

	mu      sync.Mutex
	next    int64
	emitted int
	started bool
}

// NewSynthetic returns a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Phases <= 0 {
		cfg.Phases = 1
	}
	defClock := &media.ClockInfo{ID: media.DefaultClock, Type: media.ClockRelative, Rate: cfg.Rate}
	s := &Synthetic{cfg: cfg, clocks: []*media.ClockInfo{defClock, systemClock}}

	v := &media.VideoInfo{
		Width:     cfg.Width,
		Height:    cfg.Height,
		FrameRate: cfg.Rate,
		Clocks:    s.clocks,
	}
	if cfg.Interlaced {
		v.ScanMode = media.ScanInterlaced
		v.Layout = media.LayoutSeparatedFields
		v.FrameRate = cfg.Rate.Div(2)
	}
	s.info.Video = []*media.VideoInfo{v}
	if cfg.Audio {
		s.info.Audio = []*media.AudioInfo{{Codec: "pcm_s16le", SampleRate: 48000, Channels: 2}}
	}
	return s
}

// Init checks the expected stream against the generator settings. A zero
// expected info accepts anything.
func (s *Synthetic) Init(_ context.Context, expected media.StreamInfo) error {
	if !s.cfg.Rate.Valid() {
		return fmt.Errorf("%w: invalid rate %s", ErrInfoMismatch, s.cfg.Rate)
	}
	if len(expected.Video) == 0 {
		return nil
	}
	if want := expected.Video[0].FrameRate; want.Valid() && want != s.info.Video[0].FrameRate {
		return fmt.Errorf("%w: frame rate %s, generator produces %s", ErrInfoMismatch, want, s.info.Video[0].FrameRate)
	}
	return nil
}

// Info returns the generated stream's description.
func (s *Synthetic) Info() media.StreamInfo {
	return s.info
}

// Pull waits until the next sample is due and returns it.
func (s *Synthetic) Pull(ctx context.Context) (*media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Count > 0 && s.emitted >= s.cfg.Count {
		return nil, slsm.ErrEndOfStream
	}

	rate := s.cfg.Rate
	if !s.started {
		n := timebase.SampleNumber(s.cfg.Now().UnixNano(), rate) + 1
		if s.cfg.Interlaced && n%2 != 0 {
			n++
		}
		s.next = n
		s.started = true
	}

	for {
		n := s.next
		s.next++
		if s.cfg.DropEvery > 0 && n%int64(s.cfg.DropEvery) == 0 {
			continue
		}

		tp := timebase.Nanoseconds(n, rate)
		due := tp + timebase.Span(n, rate)*int64(s.cfg.Phase)/int64(s.cfg.Phases)
		if s.cfg.Jitter > 0 {
			due += rand.Int64N(int64(s.cfg.Jitter))
		}
		if err := s.waitUntil(ctx, due); err != nil {
			return nil, err
		}

		s.emitted++
		return s.sample(n, tp), nil
	}
}

func (s *Synthetic) waitUntil(ctx context.Context, due int64) error {
	d := time.Duration(due - s.cfg.Now().UnixNano())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synthetic) sample(n, tp int64) *media.Sample {
	rate := s.cfg.Rate
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(s.cfg.Phase))
	binary.BigEndian.PutUint64(payload[4:], uint64(n))

	structure := media.PictureFrame
	if s.cfg.Interlaced {
		structure = media.PictureTop
		if n%2 != 0 {
			structure = media.PictureBottom
		}
	}

	out := &media.Sample{
		Video: &media.VideoEssence{Data: payload, Structure: structure},
		Times: []media.TimeLimits{
			{Clock: s.clocks[0], EditRate: rate, Number: n, Duration: 1},
			{Clock: s.clocks[1], EditRate: systemClock.Rate, Number: tp, Duration: timebase.Span(n, rate)},
		},
	}
	if s.cfg.Audio {
		samples := 48000 * rate.Den / rate.Num
		out.Audio = []*media.AudioEssence{{
			Data:       make([]byte, samples*2*2),
			SampleRate: 48000,
			Channels:   2,
		}}
	}
	return out
}

// SyntheticPayload decodes the phase index and sample number a Synthetic
// source wrote into a video payload.
func SyntheticPayload(data []byte) (phase int, n int64, ok bool) {
	if len(data) != 12 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(data)), int64(binary.BigEndian.Uint64(data[4:])), true
}
