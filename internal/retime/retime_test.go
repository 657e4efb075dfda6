package retime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/reorder"
	"github.com/zsiec/phasemux/internal/timebase"
)

var (
	phaseRate = media.EditRate{Num: 50, Den: 1}
	master    = []*media.ClockInfo{
		{ID: media.DefaultClock, Type: media.ClockRelative, Rate: phaseRate},
		{ID: media.SystemTimeClock, Type: media.ClockUnixEpoch, Rate: media.EditRate{Num: 1_000_000_000, Den: 1}},
		{ID: "tc", Type: media.ClockTimeCode, Rate: phaseRate},
	}
)

const period = int64(20_000_000)

func sample(tp int64, structure media.PictureStructure) *media.Sample {
	return &media.Sample{
		Video: &media.VideoEssence{Data: []byte{0xAB}, Structure: structure},
		Times: []media.TimeLimits{
			{Clock: master[0], EditRate: phaseRate, Number: 7, Duration: 1},
			{Clock: master[1], EditRate: master[1].Rate, Number: tp, Duration: period},
			{Clock: master[2], EditRate: phaseRate, Number: 90_000, Duration: 1},
		},
	}
}

func group(tp int64, n int, structure media.PictureStructure) reorder.Completed {
	c := reorder.Completed{TP: tp}
	for range n {
		c.Slots = append(c.Slots, sample(tp, structure))
	}
	return c
}

func newRetimer(t *testing.T, phases int64, interlaced bool) *Retimer {
	t.Helper()
	rate := phaseRate.Mul(phases)
	clocks, err := OutputClocks(master, rate)
	require.NoError(t, err)
	return New(clocks, rate, interlaced)
}

func TestOutputClocks(t *testing.T) {
	t.Parallel()

	out, err := OutputClocks(master, phaseRate.Mul(2))
	require.NoError(t, err)
	require.Len(t, out, len(master))
	assert.Equal(t, media.EditRate{Num: 100, Den: 1}, out[0].Rate)
	assert.Equal(t, master[1].Rate, out[1].Rate)
	assert.Equal(t, phaseRate, out[2].Rate)
	assert.NotSame(t, master[0], out[0], "clocks are duplicated")
	assert.Equal(t, phaseRate, master[0].Rate, "master clock untouched")

	_, err = OutputClocks([]*media.ClockInfo{{ID: "x", Type: media.ClockType(42)}}, phaseRate)
	assert.ErrorIs(t, err, ErrUnknownClockType)
}

func TestRetimeNumbersConsecutively(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, false)
	var want int64
	for g := int64(0); g < 5; g++ {
		tp := (1000 + g) * period
		out := r.Retime(group(tp, 2, media.PictureFrame))
		require.Len(t, out, 2)
		for i, s := range out {
			tl, ok := s.TimeInfo(media.DefaultClock)
			require.True(t, ok)
			assert.Equal(t, want, tl.Number, "group %d slot %d", g, i)
			assert.Equal(t, int64(1), tl.Duration)
			assert.Equal(t, media.EditRate{Num: 100, Den: 1}, tl.EditRate)

			assert.Equal(t, tp+int64(i)*period/2, s.SystemTime())
			want++
		}
	}
}

func TestRetimeIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, false)
	c := group(1000*period, 2, media.PictureFrame)
	first := r.Retime(c)
	second := r.Retime(c)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Times, second[i].Times)
	}
}

func TestRetimeLeavesInputUntouched(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, true)
	c := group(1000*period, 4, media.PictureBottom)
	out := r.Retime(c)
	for i, s := range c.Slots {
		assert.Equal(t, 1000*period, s.SystemTime())
		assert.Equal(t, media.PictureBottom, s.Structure())
		assert.Equal(t, s.Video.Data, out[i].Video.Data, "payload shared")
	}
}

func TestRetimeCopiesOtherClocks(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, false)
	out := r.Retime(group(1000*period, 2, media.PictureFrame))
	for _, s := range out {
		tl, ok := s.TimeInfo("tc")
		require.True(t, ok)
		assert.Equal(t, int64(90_000), tl.Number)
	}
}

func TestRetimeSystemTimeTiles(t *testing.T) {
	t.Parallel()

	rate := media.EditRate{Num: 60000, Den: 1001}
	clocks, err := OutputClocks(master, rate.Mul(3))
	require.NoError(t, err)
	r := New(clocks, rate.Mul(3), false)

	tp := timebase.Nanoseconds(123_456, rate)
	out := r.Retime(group(tp, 3, media.PictureFrame))
	for i := 0; i < len(out)-1; i++ {
		cur, _ := out[i].TimeInfo(media.SystemTimeClock)
		next, _ := out[i+1].TimeInfo(media.SystemTimeClock)
		assert.Equal(t, next.Number, cur.Number+cur.Duration, "slot %d", i)
	}
}

func TestRetimeInterlacedParity(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 3, true)
	out := r.Retime(group(1000*period, 6, media.PictureTop))
	require.Len(t, out, 6)
	for i, s := range out {
		assert.Equal(t, Parity(i), s.Structure(), "slot %d", i)
	}
	assert.Equal(t, media.PictureTop, out[0].Structure())
	assert.Equal(t, media.PictureBottom, out[5].Structure())
}

func TestResetRestartsDefaultClock(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, false)
	r.Retime(group(1000*period, 2, media.PictureFrame))
	_, ok := r.Anchor()
	require.True(t, ok)

	r.Reset()
	_, ok = r.Anchor()
	require.False(t, ok)

	out := r.Retime(group(2000*period, 2, media.PictureFrame))
	tl, _ := out[0].TimeInfo(media.DefaultClock)
	assert.Zero(t, tl.Number)
}

func TestRetimeEmptyGroup(t *testing.T) {
	t.Parallel()

	r := newRetimer(t, 2, false)
	assert.Nil(t, r.Retime(reorder.Completed{}))
	_, ok := r.Anchor()
	assert.False(t, ok)
}
