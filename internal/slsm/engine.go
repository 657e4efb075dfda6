// Package slsm multiplexes N phase-shifted sample streams into one stream at
// N times the per-phase rate. One feeder goroutine per phase pulls samples
// into a shared ring buffer; a single consumer goroutine regroups them by
// timestamp, retimes complete groups and pushes them to the output pins.
package slsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/reorder"
	"github.com/zsiec/phasemux/internal/retime"
	"github.com/zsiec/phasemux/internal/ringbuf"
	"github.com/zsiec/phasemux/internal/sched"
	"github.com/zsiec/phasemux/internal/timebase"
)

// Setup errors returned by Init.
var (
	ErrTooFewPhases       = errors.New("slsm: number of phases must be greater than 1")
	ErrNoVideoTrack       = errors.New("slsm: no video track available from the master phase")
	ErrTooManyVideoTracks = errors.New("slsm: only one video track is supported")
	ErrNoDefaultClock     = errors.New("slsm: master video track has no valid default clock")
	ErrMissingCapability  = errors.New("slsm: high priority mode requires CAP_SYS_NICE")
	ErrNotInitialized     = errors.New("slsm: engine not initialized")
	ErrRunning            = errors.New("slsm: engine is running")
)

// ErrEndOfStream may be returned by Source.Pull when the source will never
// produce another sample. The phase's feeder exits instead of retrying.
var ErrEndOfStream = errors.New("slsm: end of stream")

// Source produces the samples of one phase. Pull may block until a sample is
// available and must return promptly once ctx is done.
type Source interface {
	Init(ctx context.Context, expected media.StreamInfo) error
	Info() media.StreamInfo
	Pull(ctx context.Context) (*media.Sample, error)
}

// Pin receives output sequences. A failed Push is reported and not retried.
type Pin interface {
	Push(ctx context.Context, seq *media.Sequence) error
}

// PinFunc adapts a function to the Pin interface.
type PinFunc func(ctx context.Context, seq *media.Sequence) error

// Push calls f(ctx, seq).
func (f PinFunc) Push(ctx context.Context, seq *media.Sequence) error { return f(ctx, seq) }

// Options configures an Engine. All fields are optional.
type Options struct {
	// Depth is the ring buffer depth in beats (ringbuf.DefaultDepth if 0).
	Depth int
	// NotifyEvery is the number of ring writes that wake the consumer
	// (the phase count if 0).
	NotifyEvery int
	// HighPriority raises each feeder thread's scheduling priority.
	HighPriority bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Reporter receives every anomaly event in addition to the engine's own
	// stats. Defaults to a rate-limited log reporter.
	Reporter events.Reporter
}

// Params are the stream parameters derived from the master phase by Init.
type Params struct {
	Phases      int            `json:"phases"`
	Interlaced  bool           `json:"interlaced"`
	PhaseRate   media.EditRate `json:"phaseRate"`
	OutputRate  media.EditRate `json:"outputRate"`
	HasAudio    bool           `json:"hasAudio"`
	Tolerance   time.Duration  `json:"tolerance"`
	WaitTimeout time.Duration  `json:"waitTimeout"`
}

// Engine is one phase multiplexer. Call Init once, then Start and Stop as
// often as needed.
type Engine struct {
	log      *slog.Logger
	opts     Options
	sources  []Source
	video    Pin
	audio    Pin
	reporter events.Reporter
	stats    *events.Stats
	ring     *ringbuf.Buffer
	elevate  func() error

	params      Params
	output      media.StreamInfo
	clocks      []*media.ClockInfo
	retimer     *retime.Retimer
	asm         *reorder.Assembler
	initialized bool

	running atomic.Bool

	mu         sync.Mutex // serializes Init, Start and Stop
	feedCancel context.CancelFunc
	consCancel context.CancelFunc
	feeders    *errgroup.Group
	consumer   *errgroup.Group
}

// New creates an engine over sources, where sources[0] is the master phase
// whose stream info defines the output. audio may be nil.
func New(sources []Source, video, audio Pin, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "slsm")

	reporter := opts.Reporter
	if reporter == nil {
		reporter = events.NewLogReporter(log, time.Second, events.DefaultLogBurst)
	}

	return &Engine{
		log:      log,
		opts:     opts,
		sources:  sources,
		video:    video,
		audio:    audio,
		reporter: reporter,
		stats:    events.NewStats(),
		ring:     ringbuf.New(opts.Depth, opts.NotifyEvery),
		elevate:  sched.Elevate,
	}
}

// Init initializes every phase source with the expected stream info, derives
// the engine parameters from the master phase and defines the output stream.
func (e *Engine) Init(ctx context.Context, expected media.StreamInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrRunning
	}
	if len(e.sources) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewPhases, len(e.sources))
	}

	for i, src := range e.sources {
		if err := src.Init(ctx, expected); err != nil {
			return fmt.Errorf("slsm: init phase %d: %w", i, err)
		}
	}

	master := e.sources[0].Info()
	switch {
	case len(master.Video) == 0:
		return ErrNoVideoTrack
	case len(master.Video) > 1:
		return fmt.Errorf("%w: master has %d", ErrTooManyVideoTracks, len(master.Video))
	}
	mv := master.Video[0]

	dc := mv.Clock(media.DefaultClock)
	if dc == nil || !dc.Rate.Valid() {
		return ErrNoDefaultClock
	}

	phases := len(e.sources)
	p := Params{
		Phases:     phases,
		Interlaced: mv.SeparatedFields(),
		PhaseRate:  dc.Rate,
		OutputRate: dc.Rate.Mul(int64(phases)),
		HasAudio:   len(master.Audio) > 0,
	}
	p.Tolerance = timebase.CeilDuration(4, p.PhaseRate, time.Nanosecond)
	p.WaitTimeout = timebase.CeilDuration(1, p.PhaseRate.Mul(2), time.Millisecond)

	masterClocks := mv.Clocks
	if mv.Clock(media.SystemTimeClock) == nil {
		masterClocks = append(masterClocks[:len(masterClocks):len(masterClocks)], &media.ClockInfo{
			ID:   media.SystemTimeClock,
			Type: media.ClockUnixEpoch,
			Rate: media.EditRate{Num: int64(time.Second), Den: 1},
		})
	}
	clocks, err := retime.OutputClocks(masterClocks, p.OutputRate)
	if err != nil {
		return fmt.Errorf("slsm: master video track: %w", err)
	}

	if e.opts.HighPriority && !sched.CanElevate() {
		return ErrMissingCapability
	}

	out := *mv
	out.Clocks = clocks
	out.FrameRate = p.OutputRate
	if p.Interlaced {
		out.FrameRate = p.OutputRate.Div(2)
	}
	e.output = media.StreamInfo{Video: []*media.VideoInfo{&out}}
	if p.HasAudio {
		e.output.Audio = master.Audio
	}

	e.params = p
	e.clocks = clocks
	e.retimer = retime.New(clocks, p.OutputRate, p.Interlaced)
	e.asm = e.newAssembler()
	e.ring.Reset(phases)
	e.initialized = true

	e.log.Info("engine initialized",
		"phases", p.Phases,
		"interlaced", p.Interlaced,
		"phase_rate", p.PhaseRate.String(),
		"output_rate", p.OutputRate.String(),
		"audio", p.HasAudio,
		"tolerance", p.Tolerance,
		"wait_timeout", p.WaitTimeout,
	)
	return nil
}

func (e *Engine) newAssembler() *reorder.Assembler {
	return reorder.NewAssembler(reorder.Params{
		Phases:     e.params.Phases,
		Interlaced: e.params.Interlaced,
		PhaseRate:  e.params.PhaseRate,
		Tolerance:  e.params.Tolerance.Nanoseconds(),
	})
}

// Start launches one feeder per phase and the consumer. Calling Start on a
// running engine does nothing. The loops stop when Stop is called or ctx is
// done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	e.ring.Reset(e.params.Phases)
	e.asm = e.newAssembler()
	e.retimer.Reset()

	feedCtx, feedCancel := context.WithCancel(ctx)
	consCtx, consCancel := context.WithCancel(ctx)
	e.feedCancel, e.consCancel = feedCancel, consCancel

	e.feeders = &errgroup.Group{}
	for i, src := range e.sources {
		e.feeders.Go(func() error {
			return e.feed(feedCtx, i, src)
		})
	}

	e.consumer = &errgroup.Group{}
	e.consumer.Go(func() error {
		return e.consume(consCtx)
	})

	e.log.Info("engine started")
	return nil
}

// Stop stops the feeders, then the consumer, and waits for all of them.
// Calling Stop on a stopped engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.feedCancel()
	_ = e.feeders.Wait()
	e.consCancel()
	_ = e.consumer.Wait()

	e.log.Info("engine stopped",
		"groups", e.stats.Groups(),
		"incomplete", e.stats.Count(events.KindIncompleteSequence),
		"skew", e.stats.Count(events.KindTimingSkew),
	)
}

// Run starts the engine, blocks until ctx is done and stops it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// IsRunning reports whether the engine loops are running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Params returns the parameters derived by Init.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// OutputInfo returns the output stream definition: the master video track
// with duplicated clocks, the default clock and frame rate at the output
// rate, and the master audio tracks unchanged.
func (e *Engine) OutputInfo() media.StreamInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() events.Snapshot {
	cursors := make([]uint64, e.ring.Phases())
	for i := range cursors {
		cursors[i] = e.ring.Cursor(i)
	}
	return e.stats.Snapshot(cursors)
}

func (e *Engine) report(ev events.Event) {
	e.stats.Report(ev)
	e.reporter.Report(ev)
}
