// Package reorder turns unordered per-phase samples into complete groups of
// one sample per phase slot sharing a single target timestamp. It holds no
// goroutines or locks: the engine's consumer loop drives it one ring-buffer
// snapshot at a time.
package reorder

import "github.com/zsiec/phasemux/internal/media"

// State is the fill state of a Group.
type State int

const (
	StateEmpty State = iota
	StateFilling
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	default:
		return "complete"
	}
}

// Group is the in-progress set of samples for one output beat. Its size is
// phaseCount for progressive input and 2*phaseCount for separated-field
// input, where bottom fields occupy slots phaseCount..2*phaseCount-1.
type Group struct {
	slots  []*media.Sample
	tp     int64
	filled int
}

// NewGroup returns an empty group with the given number of slots.
func NewGroup(size int) *Group {
	return &Group{slots: make([]*media.Sample, size)}
}

// Size returns the number of slots.
func (g *Group) Size() int {
	return len(g.slots)
}

// TP returns the group's target timestamp, or 0 when the group is empty.
func (g *Group) TP() int64 {
	return g.tp
}

// State reports whether the group is empty, partially filled or complete.
func (g *Group) State() State {
	switch {
	case g.filled == 0:
		return StateEmpty
	case g.filled == len(g.slots):
		return StateComplete
	default:
		return StateFilling
	}
}

// IsComplete reports whether every slot holds a sample.
func (g *Group) IsComplete() bool {
	return g.State() == StateComplete
}

// Push stores s at slot. The first sample pushed into an empty group fixes
// the group's timestamp to tp; later pushes leave it unchanged. A sample
// already in the slot is replaced. Push reports false for an out-of-range
// slot.
func (g *Group) Push(s *media.Sample, tp int64, slot int) bool {
	if slot < 0 || slot >= len(g.slots) {
		return false
	}
	if g.filled == 0 {
		g.tp = tp
	}
	if g.slots[slot] == nil {
		g.filled++
	}
	g.slots[slot] = s
	return true
}

// Slot returns the sample at slot i, or nil.
func (g *Group) Slot(i int) *media.Sample {
	return g.slots[i]
}

// Clear empties every slot and resets the timestamp.
func (g *Group) Clear() {
	clear(g.slots)
	g.tp = 0
	g.filled = 0
}

// Completed is a detached copy of a complete group, safe to hand to the
// retiming stage while the Group itself is reused.
type Completed struct {
	TP    int64
	Slots []*media.Sample
}

// Snapshot copies the group's current contents.
func (g *Group) Snapshot() Completed {
	slots := make([]*media.Sample, len(g.slots))
	copy(slots, g.slots)
	return Completed{TP: g.tp, Slots: slots}
}
