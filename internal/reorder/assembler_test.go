package reorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/ringbuf"
)

const period = int64(20_000_000) // 50 Hz phase rate

var sysClock = &media.ClockInfo{ID: media.SystemTimeClock, Type: media.ClockUnixEpoch}

func field(tp int64, structure media.PictureStructure) *media.Sample {
	return &media.Sample{
		Video: &media.VideoEssence{Structure: structure},
		Times: []media.TimeLimits{{Clock: sysClock, Number: tp, Duration: period}},
	}
}

func frame(tp int64) *media.Sample {
	return field(tp, media.PictureFrame)
}

func progressive(phases int) Params {
	return Params{
		Phases:    phases,
		PhaseRate: media.EditRate{Num: 50, Den: 1},
		Tolerance: 4 * period,
	}
}

func interlaced(phases int) Params {
	p := progressive(phases)
	p.Interlaced = true
	return p
}

// beat builds a one-block snapshot with the given samples per phase; nil
// entries leave the phase's slot empty.
func beat(samples ...*media.Sample) []ringbuf.Block {
	return []ringbuf.Block{ringbuf.Block(samples)}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	g := NewGroup(2)
	assert.Equal(t, ActInsert, Decide(g, 100, 100, 10), "empty group accepts anything")

	g.Push(frame(100), 100, 0)
	tests := []struct {
		name  string
		tp    int64
		maxTP int64
		want  Action
	}{
		{"late", 90, 100, ActDropLate},
		{"same beat", 100, 200, ActInsert},
		{"ahead within tolerance", 105, 105, ActHold},
		{"ahead at tolerance edge", 105, 110, ActHold},
		{"ahead beyond tolerance", 200, 200, ActDropGroupAndInsert},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decide(g, tt.tp, tt.maxTP, 10), tt.name)
	}
}

func TestGroupLifecycle(t *testing.T) {
	t.Parallel()

	g := NewGroup(2)
	assert.Equal(t, StateEmpty, g.State())
	assert.Zero(t, g.TP())

	require.True(t, g.Push(frame(100), 100, 1))
	assert.Equal(t, StateFilling, g.State())
	assert.Equal(t, int64(100), g.TP())

	// The timestamp is fixed by the first occupant.
	require.True(t, g.Push(frame(100), 300, 1))
	assert.Equal(t, int64(100), g.TP())
	assert.Equal(t, StateFilling, g.State(), "overwriting a slot must not count twice")

	require.True(t, g.Push(frame(100), 100, 0))
	assert.True(t, g.IsComplete())

	snap := g.Snapshot()
	g.Clear()
	assert.Equal(t, StateEmpty, g.State())
	assert.Zero(t, g.TP())
	assert.NotNil(t, snap.Slots[0], "snapshot must survive Clear")

	assert.False(t, g.Push(frame(1), 1, 2))
	assert.False(t, g.Push(frame(1), 1, -1))
}

func TestOverwriteSameSlotIsLastWriteWins(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	first := frame(1000 * period)
	second := frame(1000 * period)
	res := a.Cycle([]ringbuf.Block{{first, nil}, {second, nil}})
	assert.Empty(t, res.Anomalies)

	res = a.Cycle(beat(nil, frame(1000*period)))
	require.Len(t, res.Completed, 1)
	assert.Same(t, second, res.Completed[0].Slots[0])
}

func TestProgressiveOrderedPairs(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	var completed []Completed
	for i := int64(1); i <= 10; i++ {
		tp := (1000 + i) * period
		res := a.Cycle(beat(frame(tp), frame(tp)))
		require.Empty(t, res.Anomalies)
		completed = append(completed, res.Completed...)
	}

	require.Len(t, completed, 10)
	for i, c := range completed {
		assert.Equal(t, (1001+int64(i))*period, c.TP)
		for slot, s := range c.Slots {
			assert.Equal(t, c.TP, s.SystemTime(), "group %d slot %d", i, slot)
		}
	}
	assert.Zero(t, a.Pending())
}

func TestSortBreaksTiesBySlot(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(3))
	tp := 1000 * period
	s0, s1, s2 := frame(tp), frame(tp), frame(tp)
	// Phase 2's sample lands in an earlier block than phase 0's.
	res := a.Cycle([]ringbuf.Block{{nil, nil, s2}, {nil, s1, nil}, {s0, nil, nil}})
	require.Len(t, res.Completed, 1)
	assert.Same(t, s0, res.Completed[0].Slots[0])
	assert.Same(t, s1, res.Completed[0].Slots[1])
	assert.Same(t, s2, res.Completed[0].Slots[2])
}

func TestLateSampleNeverForwarded(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	t1 := 1000 * period
	t2 := t1 + period

	res := a.Cycle(beat(frame(t2), nil))
	assert.Empty(t, res.Completed)

	late := frame(t1)
	res = a.Cycle(beat(nil, late))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyLate, res.Anomalies[0].Kind)
	assert.Equal(t, t1, res.Anomalies[0].TP)
	assert.Equal(t, t2, res.Anomalies[0].GroupTP)
	assert.Zero(t, a.Pending(), "late samples are not retained")

	res = a.Cycle(beat(nil, frame(t2)))
	require.Len(t, res.Completed, 1)
	for _, s := range res.Completed[0].Slots {
		assert.NotSame(t, late, s)
		assert.Equal(t, t2, s.SystemTime())
	}
}

func TestIncompleteGroupRetainedWithinTolerance(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	t0 := 1000 * period

	// Phase 1 is missing for t0 and the next beat is already here.
	res := a.Cycle([]ringbuf.Block{{frame(t0), nil}, {frame(t0 + period), nil}})
	assert.Empty(t, res.Completed)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, t0, a.Group().TP())

	// Phase 1 finally shows up: the retained group completes.
	res = a.Cycle(beat(nil, frame(t0)))
	assert.Empty(t, res.Anomalies)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, t0, res.Completed[0].TP)
	assert.Equal(t, t0+period, a.Group().TP(), "carried-over sample starts the next group")
}

func TestIncompleteGroupDroppedOnceBeyondTolerance(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	t0 := 1000 * period

	res := a.Cycle(beat(frame(t0), nil))
	require.Empty(t, res.Anomalies)

	// Still within tolerance: held.
	res = a.Cycle(beat(frame(t0+2*period), nil))
	require.Empty(t, res.Anomalies)
	require.Equal(t, t0, a.Group().TP())

	// Seven periods ahead: beyond the four-period tolerance for t0 and for
	// the single-sample group the held sample starts.
	t7 := t0 + 7*period
	res = a.Cycle(beat(frame(t7), frame(t7)))

	var dropped []Anomaly
	for _, an := range res.Anomalies {
		if an.Kind == AnomalyIncomplete && an.GroupTP == t0 {
			dropped = append(dropped, an)
		}
	}
	require.Len(t, dropped, 1)
	assert.Equal(t, 1, dropped[0].Missing)

	for _, c := range res.Completed {
		assert.NotEqual(t, t0, c.TP)
	}
	require.NotEmpty(t, res.Completed)
	assert.Equal(t, t7, res.Completed[len(res.Completed)-1].TP)
}

func TestInterlacedBottomFieldSlot(t *testing.T) {
	t.Parallel()

	const phases = 3
	a := NewAssembler(interlaced(phases))
	tp := 1000 * period
	for k := 0; k < phases; k++ {
		a.Add(field(tp+period, media.PictureBottom), k)
	}
	a.Add(field(tp, media.PictureTop), 1)

	res := a.Drain()
	require.Empty(t, res.Completed)
	g := a.Group()
	assert.Equal(t, tp, g.TP(), "bottom fields are re-stamped with the top field time")
	for k := 0; k < phases; k++ {
		assert.NotNil(t, g.Slot(k+phases), "bottom of phase %d at slot %d", k, k+phases)
	}
	assert.NotNil(t, g.Slot(1))
	assert.Nil(t, g.Slot(0))
	assert.Nil(t, g.Slot(2))
}

func TestInterlacedBottomFieldSampleUnchanged(t *testing.T) {
	t.Parallel()

	a := NewAssembler(interlaced(2))
	tp := 1000 * period
	bottom := field(tp+period, media.PictureBottom)
	res := a.Cycle(beat(field(tp, media.PictureTop), field(tp, media.PictureTop)))
	require.Empty(t, res.Completed)
	res = a.Cycle(beat(bottom, field(tp+period, media.PictureBottom)))
	require.Len(t, res.Completed, 1)
	assert.Same(t, bottom, res.Completed[0].Slots[2])
	assert.Equal(t, tp+period, bottom.SystemTime(), "input sample must not be re-stamped")
}

func TestProgressiveIgnoresFieldFlag(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	tp := 1000 * period
	a.Add(field(tp, media.PictureBottom), 1)
	a.Drain()
	assert.NotNil(t, a.Group().Slot(1))
}

// Three interlaced phases; phase 1 skips one whole picture (top and bottom)
// and the following samples arrive after the tolerance window.
func TestInterlacedMissingPhaseDropsOnce(t *testing.T) {
	t.Parallel()

	a := NewAssembler(interlaced(3))
	n := int64(1000)

	picture := func(n int64, phases ...int) []ringbuf.Block {
		top := make(ringbuf.Block, 3)
		bottom := make(ringbuf.Block, 3)
		for _, k := range phases {
			top[k] = field(n*period, media.PictureTop)
			bottom[k] = field((n+1)*period, media.PictureBottom)
		}
		return []ringbuf.Block{top, bottom}
	}

	var completed []Completed
	var anomalies []Anomaly
	collect := func(res Result) {
		completed = append(completed, res.Completed...)
		anomalies = append(anomalies, res.Anomalies...)
	}

	collect(a.Cycle(picture(n, 0, 1, 2)))
	collect(a.Cycle(picture(n+2, 0, 2)))
	require.Empty(t, anomalies)
	require.Len(t, completed, 1)

	collect(a.Cycle(picture(n+8, 0, 1, 2)))

	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyIncomplete, anomalies[0].Kind)
	assert.Equal(t, (n+2)*period, anomalies[0].GroupTP)
	assert.Equal(t, 2, anomalies[0].Missing)

	require.Len(t, completed, 2)
	assert.Equal(t, (n+8)*period, completed[1].TP)
	assert.Equal(t, StateEmpty, a.Group().State())
}

func TestTimingCache(t *testing.T) {
	t.Parallel()

	c := NewTimingCache(media.EditRate{Num: 60000, Den: 1001})
	// Samples 1001 and 1000 at 60000/1001, rounded to the nearest ns.
	bottom := int64(16_700_016_667)
	top := c.TopFieldTime(bottom)
	assert.Equal(t, int64(16_683_333_333), top)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, top, c.TopFieldTime(bottom))
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestDrainEmpty(t *testing.T) {
	t.Parallel()

	a := NewAssembler(progressive(2))
	res := a.Cycle(nil)
	assert.Empty(t, res.Completed)
	assert.Empty(t, res.Anomalies)
}
