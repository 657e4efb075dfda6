package reorder

import (
	"cmp"
	"slices"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/ringbuf"
	"github.com/zsiec/phasemux/internal/timebase"
)

// CachedSample is a sample waiting to be placed into a group. TP is the
// ordering timestamp, which for bottom fields is the remapped top-field time;
// the sample itself is never modified.
type CachedSample struct {
	Sample *media.Sample
	TP     int64
	Slot   int
}

// Action is the outcome of offering one sample to the current group.
type Action int

const (
	// ActInsert places the sample into the group.
	ActInsert Action = iota
	// ActDropLate discards a sample older than the group being built.
	ActDropLate
	// ActHold stops draining so the group can still be completed by samples
	// arriving in a later cycle.
	ActHold
	// ActDropGroupAndInsert abandons the incomplete group and starts a new
	// one with the sample.
	ActDropGroupAndInsert
)

func (a Action) String() string {
	switch a {
	case ActInsert:
		return "insert"
	case ActDropLate:
		return "drop-late"
	case ActHold:
		return "hold"
	default:
		return "drop-group-and-insert"
	}
}

// Decide returns what to do with a sample stamped tp given the current group,
// the newest timestamp seen so far (maxTP) and the overflow tolerance in
// nanoseconds. It has no side effects.
func Decide(g *Group, tp, maxTP, tolerance int64) Action {
	if g.State() == StateEmpty {
		return ActInsert
	}
	switch {
	case tp < g.TP():
		return ActDropLate
	case tp == g.TP():
		return ActInsert
	case maxTP-g.TP() <= tolerance:
		return ActHold
	default:
		return ActDropGroupAndInsert
	}
}

// AnomalyKind classifies the problems the assembler detects while draining.
type AnomalyKind int

const (
	// AnomalyLate is a sample stamped before the group in progress.
	AnomalyLate AnomalyKind = iota
	// AnomalyIncomplete is a group abandoned because newer samples arrived
	// beyond the overflow tolerance.
	AnomalyIncomplete
)

// Anomaly describes one detected timing problem. For AnomalyLate, TP is the
// late sample's timestamp and Slot its target slot; for AnomalyIncomplete, TP
// is the dropped group's timestamp and Missing the number of empty slots.
type Anomaly struct {
	Kind    AnomalyKind
	TP      int64
	GroupTP int64
	Slot    int
	Missing int
}

// Result collects what one drain cycle produced, in the order it happened.
type Result struct {
	Completed []Completed
	Anomalies []Anomaly
}

// Params configures an Assembler.
type Params struct {
	Phases     int
	Interlaced bool
	PhaseRate  media.EditRate
	// Tolerance is how far (in ns) the newest pending sample may run ahead
	// of an incomplete group before the group is abandoned.
	Tolerance int64
}

// GroupSize returns the number of slots a group needs for these parameters.
func (p Params) GroupSize() int {
	if p.Interlaced {
		return 2 * p.Phases
	}
	return p.Phases
}

// Assembler holds the persistent group and the samples carried over between
// drain cycles.
type Assembler struct {
	params  Params
	group   *Group
	pending []CachedSample
	timings *TimingCache
}

// NewAssembler returns an Assembler with an empty group.
func NewAssembler(p Params) *Assembler {
	return &Assembler{
		params:  p,
		group:   NewGroup(p.GroupSize()),
		timings: NewTimingCache(p.PhaseRate),
	}
}

// Group exposes the group in progress for inspection.
func (a *Assembler) Group() *Group {
	return a.group
}

// Pending returns the number of samples carried over to the next cycle.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Cycle runs one full reorder cycle over a ring-buffer snapshot: it clears
// the timing cache, flattens the snapshot into pending samples and drains.
func (a *Assembler) Cycle(snapshot []ringbuf.Block) Result {
	a.timings.Clear()
	a.Flatten(snapshot)
	return a.Drain()
}

// Flatten appends every occupied slot of the snapshot to the pending list.
// With separated-field input, bottom fields are re-stamped with their top
// field's time and routed to slot phase+Phases.
func (a *Assembler) Flatten(snapshot []ringbuf.Block) {
	for _, blk := range snapshot {
		for phase, s := range blk {
			if s == nil {
				continue
			}
			a.pending = append(a.pending, a.cache(s, phase))
		}
	}
}

// Add appends a single sample as if it had come from a snapshot slot.
func (a *Assembler) Add(s *media.Sample, phase int) {
	a.pending = append(a.pending, a.cache(s, phase))
}

func (a *Assembler) cache(s *media.Sample, phase int) CachedSample {
	tp := s.SystemTime()
	if a.params.Interlaced && s.Structure() == media.PictureBottom {
		return CachedSample{Sample: s, TP: a.timings.TopFieldTime(tp), Slot: phase + a.params.Phases}
	}
	return CachedSample{Sample: s, TP: tp, Slot: phase}
}

// Drain sorts the pending samples by (timestamp, slot), keeping arrival order
// among equals so the last write to a slot wins, and feeds them into
// the group until they run out or the group must wait for more data.
// Completed groups are snapshotted and the group is cleared right away.
func (a *Assembler) Drain() Result {
	var res Result
	if len(a.pending) == 0 {
		return res
	}

	slices.SortStableFunc(a.pending, func(x, y CachedSample) int {
		if c := cmp.Compare(x.TP, y.TP); c != 0 {
			return c
		}
		return cmp.Compare(x.Slot, y.Slot)
	})
	maxTP := a.pending[len(a.pending)-1].TP

	g := a.group
	i := 0
drain:
	for ; i < len(a.pending); i++ {
		c := a.pending[i]
		switch Decide(g, c.TP, maxTP, a.params.Tolerance) {
		case ActDropLate:
			res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyLate, TP: c.TP, GroupTP: g.TP(), Slot: c.Slot})
			continue
		case ActHold:
			break drain
		case ActDropGroupAndInsert:
			res.Anomalies = append(res.Anomalies, Anomaly{
				Kind:    AnomalyIncomplete,
				TP:      g.TP(),
				GroupTP: g.TP(),
				Missing: g.Size() - g.filled,
			})
			g.Clear()
			g.Push(c.Sample, c.TP, c.Slot)
		case ActInsert:
			g.Push(c.Sample, c.TP, c.Slot)
		}

		if g.IsComplete() {
			res.Completed = append(res.Completed, g.Snapshot())
			g.Clear()
		}
	}

	a.pending = slices.Clone(a.pending[i:])
	return res
}

// TimingCache maps a bottom field's timestamp to the timestamp of the top
// field one phase sample earlier. It only saves recomputation within one
// cycle and is cleared at the start of each.
type TimingCache struct {
	rate media.EditRate
	m    map[int64]int64
}

// NewTimingCache returns an empty cache for the given per-phase rate.
func NewTimingCache(rate media.EditRate) *TimingCache {
	return &TimingCache{rate: rate, m: make(map[int64]int64)}
}

// TopFieldTime converts tp to a sample number, steps back one sample and
// converts back, which stays exact for non-integer rates.
func (c *TimingCache) TopFieldTime(tp int64) int64 {
	if v, ok := c.m[tp]; ok {
		return v
	}
	v := timebase.Nanoseconds(timebase.SampleNumber(tp, c.rate)-1, c.rate)
	c.m[tp] = v
	return v
}

// Len returns the number of cached entries.
func (c *TimingCache) Len() int {
	return len(c.m)
}

// Clear drops all cached entries.
func (c *TimingCache) Clear() {
	clear(c.m)
}
