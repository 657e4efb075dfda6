package slsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/retime"
	"github.com/zsiec/phasemux/internal/sched"
)

const period = int64(20_000_000) // 50 Hz

var (
	phaseRate = media.EditRate{Num: 50, Den: 1}
	defClock  = &media.ClockInfo{ID: media.DefaultClock, Type: media.ClockRelative, Rate: phaseRate}
	sysClock  = &media.ClockInfo{ID: media.SystemTimeClock, Type: media.ClockUnixEpoch, Rate: media.EditRate{Num: 1_000_000_000, Den: 1}}
)

func videoInfo(interlaced bool) *media.VideoInfo {
	v := &media.VideoInfo{
		Width:     1920,
		Height:    1080,
		FrameRate: phaseRate,
		Clocks:    []*media.ClockInfo{defClock, sysClock},
	}
	if interlaced {
		v.ScanMode = media.ScanInterlaced
		v.Layout = media.LayoutSeparatedFields
	}
	return v
}

type pull struct {
	s   *media.Sample
	err error
}

// stepSource hands out exactly the samples the test sends it.
type stepSource struct {
	info    media.StreamInfo
	initErr error
	ch      chan pull
}

func newStepSource(info media.StreamInfo) *stepSource {
	return &stepSource{info: info, ch: make(chan pull)}
}

func (s *stepSource) Init(context.Context, media.StreamInfo) error { return s.initErr }
func (s *stepSource) Info() media.StreamInfo                       { return s.info }

func (s *stepSource) Pull(ctx context.Context) (*media.Sample, error) {
	select {
	case p := <-s.ch:
		return p.s, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stepSource) send(t *testing.T, p pull) {
	t.Helper()
	select {
	case s.ch <- p:
	case <-time.After(5 * time.Second):
		t.Fatal("feeder did not pull")
	}
}

// recordPin stores every sequence pushed to it.
type recordPin struct {
	mu   sync.Mutex
	seqs []*media.Sequence
	err  error
}

func (p *recordPin) Push(_ context.Context, seq *media.Sequence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.seqs = append(p.seqs, seq)
	return nil
}

func (p *recordPin) sequences() []*media.Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Sequence(nil), p.seqs...)
}

func sample(phase byte, tp int64, structure media.PictureStructure) *media.Sample {
	return &media.Sample{
		Video: &media.VideoEssence{Data: []byte{phase}, Structure: structure},
		Audio: []*media.AudioEssence{{Data: []byte{phase}, SampleRate: 48000, Channels: 2}},
		Times: []media.TimeLimits{
			{Clock: defClock, EditRate: phaseRate, Number: tp / period, Duration: 1},
			{Clock: sysClock, EditRate: sysClock.Rate, Number: tp, Duration: period},
		},
	}
}

type fixture struct {
	engine  *Engine
	sources []*stepSource
	video   *recordPin
	audio   *recordPin
}

func newFixture(t *testing.T, phases int, info media.StreamInfo) *fixture {
	t.Helper()
	f := &fixture{video: &recordPin{}, audio: &recordPin{}}
	var srcs []Source
	for range phases {
		s := newStepSource(info)
		f.sources = append(f.sources, s)
		srcs = append(srcs, s)
	}
	f.engine = New(srcs, f.video, f.audio, Options{Reporter: events.Discard})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(f.engine.Stop)
}

func (f *fixture) waitGroups(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.Stats().GroupsForwarded == n
	}, 5*time.Second, time.Millisecond)
}

func progressiveInfo() media.StreamInfo {
	return media.StreamInfo{
		Video: []*media.VideoInfo{videoInfo(false)},
		Audio: []*media.AudioInfo{{Codec: "pcm", SampleRate: 48000, Channels: 2}},
	}
}

func TestTenOrderedPairsNumberedConsecutively(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	for i := int64(1); i <= 10; i++ {
		tp := (1000 + i) * period
		f.sources[0].send(t, pull{s: sample(0, tp, media.PictureFrame)})
		f.sources[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})
		f.waitGroups(t, i)
	}
	f.engine.Stop()

	seqs := f.video.sequences()
	require.Len(t, seqs, 10)

	var want int64
	var lastSys int64
	for g, seq := range seqs {
		assert.Equal(t, media.SequenceVideo, seq.Kind)
		assert.Equal(t, (1001+int64(g))*period, seq.TP)
		require.Len(t, seq.Samples, 2)
		for slot, s := range seq.Samples {
			assert.Equal(t, []byte{byte(slot)}, s.Video.Data, "phase order within group %d", g)

			tl, ok := s.TimeInfo(media.DefaultClock)
			require.True(t, ok)
			assert.Equal(t, want, tl.Number)
			assert.Equal(t, media.EditRate{Num: 100, Den: 1}, tl.EditRate)
			want++

			assert.Greater(t, s.SystemTime(), lastSys)
			lastSys = s.SystemTime()
		}
	}
	assert.Equal(t, int64(20), want)

	snap := f.engine.Stats()
	assert.Equal(t, int64(20), snap.SamplesForwarded)
	assert.Equal(t, []uint64{10, 10}, snap.Cursors)
	for kind, n := range snap.Anomalies {
		assert.Zero(t, n, kind)
	}
}

func TestAudioTakenFromMasterOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	var masters []*media.Sample
	for i := int64(1); i <= 3; i++ {
		tp := (1000 + i) * period
		m := sample(0, tp, media.PictureFrame)
		masters = append(masters, m)
		f.sources[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})
		f.sources[0].send(t, pull{s: m})
		f.waitGroups(t, i)
	}
	require.Eventually(t, func() bool { return len(f.audio.sequences()) == 3 }, 5*time.Second, time.Millisecond)

	for g, seq := range f.audio.sequences() {
		assert.Equal(t, media.SequenceAudio, seq.Kind)
		require.Len(t, seq.Samples, 1)
		a := seq.Samples[0]
		assert.Nil(t, a.Video)
		require.Len(t, a.Audio, 1)
		assert.Equal(t, []byte{0}, a.Audio[0].Data)
		assert.Equal(t, masters[g].Times, a.Times, "audio keeps the master's own times")

		sys, ok := a.TimeInfo(media.SystemTimeClock)
		require.True(t, ok)
		assert.Equal(t, period, sys.Duration)
		def, ok := a.TimeInfo(media.DefaultClock)
		require.True(t, ok)
		assert.Equal(t, phaseRate, def.EditRate)
	}
}

func TestSubThresholdWritesCollectedOnTimeout(t *testing.T) {
	t.Parallel()

	video := &recordPin{}
	srcs := []*stepSource{newStepSource(progressiveInfo()), newStepSource(progressiveInfo())}
	e := New([]Source{srcs[0], srcs[1]}, video, nil, Options{NotifyEvery: 100, Reporter: events.Discard})
	require.NoError(t, e.Init(context.Background(), media.StreamInfo{}))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	tp := 2000 * period
	srcs[0].send(t, pull{s: sample(0, tp, media.PictureFrame)})
	srcs[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})

	require.Eventually(t, func() bool { return e.Stats().GroupsForwarded == 1 }, 5*time.Second, time.Millisecond)
	require.Len(t, video.sequences(), 1)
	assert.Len(t, video.sequences()[0].Samples, 2)
}

func TestHighPriorityRaisesEveryLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, progressiveInfo())
	require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))

	var mu sync.Mutex
	calls := 0
	f.engine.opts.HighPriority = true
	f.engine.elevate = func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("not permitted")
	}
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(f.engine.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 4
	}, 5*time.Second, time.Millisecond, "three feeders and the consumer")

	// A failed elevation is not fatal.
	tp := 3000 * period
	for i, src := range f.sources {
		src.send(t, pull{s: sample(byte(i), tp, media.PictureFrame)})
	}
	f.waitGroups(t, 1)
}

func TestInterlacedMissingPhaseDropsOnce(t *testing.T) {
	t.Parallel()

	info := media.StreamInfo{Video: []*media.VideoInfo{videoInfo(true)}}
	f := newFixture(t, 3, info)
	f.start(t)

	picture := func(n int64, phases ...int) {
		for _, k := range phases {
			f.sources[k].send(t, pull{s: sample(byte(k), n*period, media.PictureTop)})
			f.sources[k].send(t, pull{s: sample(byte(k), (n+1)*period, media.PictureBottom)})
		}
	}

	n := int64(1000)
	picture(n, 0, 1, 2)
	f.waitGroups(t, 1)

	picture(n+2, 0, 2)
	picture(n+8, 0, 1, 2)

	require.Eventually(t, func() bool {
		snap := f.engine.Stats()
		return snap.GroupsForwarded == 2 && snap.Anomalies[events.KindIncompleteSequence.String()] == 1
	}, 5*time.Second, time.Millisecond)
	f.engine.Stop()

	snap := f.engine.Stats()
	assert.Equal(t, int64(1), snap.Anomalies[events.KindIncompleteSequence.String()])
	assert.Zero(t, snap.Anomalies[events.KindTimingSkew.String()])

	seqs := f.video.sequences()
	require.Len(t, seqs, 2)
	assert.Equal(t, n*period, seqs[0].TP)
	assert.Equal(t, (n+8)*period, seqs[1].TP)
	for _, seq := range seqs {
		require.Len(t, seq.Samples, 6)
		for i, s := range seq.Samples {
			assert.Equal(t, retime.Parity(i), s.Structure())
		}
		// Bottom field of phase k sits at slot k+3.
		for k := range 3 {
			assert.Equal(t, []byte{byte(k)}, seq.Samples[k].Video.Data)
			assert.Equal(t, []byte{byte(k)}, seq.Samples[k+3].Video.Data)
		}
	}
}

func TestNullTimestampDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	null := sample(0, 0, media.PictureFrame)
	f.sources[0].send(t, pull{s: null})
	f.sources[0].send(t, pull{s: &media.Sample{Video: &media.VideoEssence{}}})

	require.Eventually(t, func() bool {
		return f.engine.Stats().Anomalies[events.KindNullTimestamp.String()] == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{0, 0}, f.engine.Stats().Cursors, "write position must not advance")
}

func TestFetchErrorReportedAndRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	f.sources[0].send(t, pull{err: errors.New("decoder hiccup")})
	require.Eventually(t, func() bool {
		return f.engine.Stats().Anomalies[events.KindFetchFailed.String()] == 1
	}, 5*time.Second, time.Millisecond)

	tp := 1000 * period
	f.sources[0].send(t, pull{s: sample(0, tp, media.PictureFrame)})
	f.sources[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})
	f.waitGroups(t, 1)

	recent := f.engine.Stats().Recent
	require.NotEmpty(t, recent)
	assert.Equal(t, "decoder hiccup", recent[0].Error)
	assert.Equal(t, 0, recent[0].Phase)
}

func TestPushFailureReportedNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.video.err = errors.New("pin closed")
	f.start(t)

	tp := 1000 * period
	f.sources[0].send(t, pull{s: sample(0, tp, media.PictureFrame)})
	f.sources[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})

	require.Eventually(t, func() bool {
		return f.engine.Stats().Anomalies[events.KindPushFailed.String()] == 1
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, f.engine.Stats().GroupsForwarded)
}

func TestEndOfStreamStopsFeeder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	f.sources[0].send(t, pull{err: ErrEndOfStream})
	// The feeder has exited: nothing pulls from phase 0 any more.
	select {
	case f.sources[0].ch <- pull{}:
		t.Fatal("feeder still pulling after end of stream")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, f.engine.Stats().Anomalies[events.KindFetchFailed.String()])
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrNotInitialized)

	f.start(t)
	require.NoError(t, f.engine.Start(context.Background()))
	assert.True(t, f.engine.IsRunning())
	assert.ErrorIs(t, f.engine.Init(context.Background(), media.StreamInfo{}), ErrRunning)

	f.engine.Stop()
	f.engine.Stop()
	assert.False(t, f.engine.IsRunning())
}

func TestRestartCountsFromZero(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	f.start(t)

	run := func(tp int64, groups int64) {
		f.sources[0].send(t, pull{s: sample(0, tp, media.PictureFrame)})
		f.sources[1].send(t, pull{s: sample(1, tp, media.PictureFrame)})
		f.waitGroups(t, groups)
	}
	run(1000*period, 1)
	f.engine.Stop()

	require.NoError(t, f.engine.Start(context.Background()))
	run(5000*period, 2)

	seqs := f.video.sequences()
	require.Len(t, seqs, 2)
	tl, _ := seqs[1].Samples[0].TimeInfo(media.DefaultClock)
	assert.Zero(t, tl.Number)
}

func TestStopOnContextCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, progressiveInfo())
	require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	require.Eventually(t, f.engine.IsRunning, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, f.engine.IsRunning())
}

func TestOutputInfo(t *testing.T) {
	t.Parallel()

	t.Run("progressive", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 2, progressiveInfo())
		require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))

		p := f.engine.Params()
		assert.Equal(t, 2, p.Phases)
		assert.False(t, p.Interlaced)
		assert.True(t, p.HasAudio)
		assert.Equal(t, media.EditRate{Num: 100, Den: 1}, p.OutputRate)
		assert.Equal(t, 80*time.Millisecond, p.Tolerance)
		assert.Equal(t, 10*time.Millisecond, p.WaitTimeout)

		out := f.engine.OutputInfo()
		require.Len(t, out.Video, 1)
		v := out.Video[0]
		assert.Equal(t, media.EditRate{Num: 100, Den: 1}, v.FrameRate)
		assert.Equal(t, media.EditRate{Num: 100, Den: 1}, v.Clock(media.DefaultClock).Rate)
		assert.NotSame(t, defClock, v.Clock(media.DefaultClock))
		assert.Equal(t, phaseRate, defClock.Rate, "master clock untouched")
		assert.Equal(t, progressiveInfo().Audio, out.Audio)
	})

	t.Run("interlaced", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, media.StreamInfo{Video: []*media.VideoInfo{videoInfo(true)}})
		require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))

		p := f.engine.Params()
		assert.True(t, p.Interlaced)
		assert.False(t, p.HasAudio)
		out := f.engine.OutputInfo()
		assert.Equal(t, media.EditRate{Num: 75, Den: 1}, out.Video[0].FrameRate)
		assert.Empty(t, out.Audio)
	})

	t.Run("interlaced full frames", func(t *testing.T) {
		t.Parallel()
		v := videoInfo(true)
		v.Layout = media.LayoutFullFrame
		f := newFixture(t, 2, media.StreamInfo{Video: []*media.VideoInfo{v}})
		require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))
		assert.False(t, f.engine.Params().Interlaced)
	})

	t.Run("system time clock added", func(t *testing.T) {
		t.Parallel()
		v := videoInfo(false)
		v.Clocks = []*media.ClockInfo{defClock}
		f := newFixture(t, 2, media.StreamInfo{Video: []*media.VideoInfo{v}})
		require.NoError(t, f.engine.Init(context.Background(), media.StreamInfo{}))
		assert.NotNil(t, f.engine.OutputInfo().Video[0].Clock(media.SystemTimeClock))
		assert.Len(t, v.Clocks, 1)
	})
}

func TestInitErrors(t *testing.T) {
	t.Parallel()

	noDefault := videoInfo(false)
	noDefault.Clocks = []*media.ClockInfo{sysClock}
	badClock := videoInfo(false)
	badClock.Clocks = append([]*media.ClockInfo{}, defClock, &media.ClockInfo{ID: "x", Type: media.ClockType(9)})

	tests := []struct {
		name   string
		phases int
		info   media.StreamInfo
		want   error
	}{
		{"single phase", 1, progressiveInfo(), ErrTooFewPhases},
		{"no video", 2, media.StreamInfo{Audio: progressiveInfo().Audio}, ErrNoVideoTrack},
		{"two videos", 2, media.StreamInfo{Video: []*media.VideoInfo{videoInfo(false), videoInfo(false)}}, ErrTooManyVideoTracks},
		{"no default clock", 2, media.StreamInfo{Video: []*media.VideoInfo{noDefault}}, ErrNoDefaultClock},
		{"unknown clock type", 2, media.StreamInfo{Video: []*media.VideoInfo{badClock}}, retime.ErrUnknownClockType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.phases, tt.info)
			err := f.engine.Init(context.Background(), media.StreamInfo{})
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, f.engine.Start(context.Background()), ErrNotInitialized)
		})
	}
}

func TestInitSourceFailureWrapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, progressiveInfo())
	boom := errors.New("no signal")
	f.sources[2].initErr = boom

	err := f.engine.Init(context.Background(), media.StreamInfo{})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "phase 2")
}

func TestHighPriorityRequiresCapability(t *testing.T) {
	t.Parallel()

	if sched.CanElevate() {
		t.Skip("process can raise priorities")
	}
	src := []Source{newStepSource(progressiveInfo()), newStepSource(progressiveInfo())}
	e := New(src, &recordPin{}, nil, Options{HighPriority: true, Reporter: events.Discard})
	assert.ErrorIs(t, e.Init(context.Background(), media.StreamInfo{}), ErrMissingCapability)
}
