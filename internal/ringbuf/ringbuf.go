// Package ringbuf implements the fixed-depth ring buffer shared between the
// per-phase feeder goroutines and the single reorder consumer.
//
// The buffer is double-buffered: feeders write into the active arena while
// the consumer drains a detached one. Swap exchanges the two under the write
// lock, which feeders only ever hold for the duration of a single slot store,
// so neither side waits on the other's processing work.
package ringbuf

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/phasemux/internal/media"
)

// DefaultDepth keeps room for a latency of six progressive frames (three
// interlaced pictures) per phase.
const DefaultDepth = 6

// Block is one beat of the ring: one slot per phase. A nil slot means the
// phase's feeder did not write that position during the generation.
type Block []*media.Sample

type arena struct {
	blocks []Block
}

func newArena(depth, phases int) *arena {
	a := &arena{blocks: make([]Block, depth)}
	for i := range a.blocks {
		a.blocks[i] = make(Block, phases)
	}
	return a
}

// Buffer is the shared ring buffer. The zero value is not usable; call New
// then Reset before the first Push.
type Buffer struct {
	depth       int
	notifyAfter int64 // as configured; <= 0 means phase count
	notifyEvery int64

	mu     sync.RWMutex // write side held only for the arena exchange in Swap
	active *arena
	spare  *arena

	phases  int
	cursors []atomic.Uint64
	pending atomic.Int64
	written atomic.Int64 // writes since the last Swap
	notify  chan struct{}
}

// New creates a ring buffer with the given depth. notifyEvery is the number
// of writes after which a waiting consumer is signaled; values <= 0 mean one
// notification per phase-count writes once Reset has been called.
func New(depth, notifyEvery int) *Buffer {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Buffer{
		depth:       depth,
		notifyAfter: int64(notifyEvery),
		notify:      make(chan struct{}, 1),
	}
}

// Depth returns the number of blocks in the ring.
func (b *Buffer) Depth() int {
	return b.depth
}

// Reset reallocates block storage for phaseCount phases and clears all
// cursors. It must not be called while feeders are running.
func (b *Buffer) Reset(phaseCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.phases = phaseCount
	b.active = newArena(b.depth, phaseCount)
	b.spare = newArena(b.depth, phaseCount)
	b.cursors = make([]atomic.Uint64, phaseCount)
	b.pending.Store(0)
	b.written.Store(0)
	b.notifyEvery = b.notifyAfter
	if b.notifyEvery <= 0 {
		b.notifyEvery = int64(phaseCount)
	}

	select {
	case <-b.notify:
	default:
	}
}

// Push stores sample at slot (position mod depth, phase), overwriting any
// previous occupant. Concurrent calls for different phases do not contend
// with each other.
func (b *Buffer) Push(sample *media.Sample, position uint64, phase int) {
	b.mu.RLock()
	b.active.blocks[position%uint64(b.depth)][phase] = sample
	b.cursors[phase].Add(1)
	b.written.Add(1)
	b.mu.RUnlock()

	if b.pending.Add(1) >= b.notifyEvery {
		b.pending.Store(0)
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until a feeder signals new data, the timeout elapses, or ctx is
// done. It reports whether data was signaled.
func (b *Buffer) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.notify:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Swap detaches the blocks written since the previous Swap and returns them
// as a snapshot owned by the caller. Feeders continue into a fresh generation.
func (b *Buffer) Swap() []Block {
	b.mu.Lock()
	old := b.active
	b.active = b.spare
	b.written.Store(0)
	b.mu.Unlock()

	// No feeder can still hold old: every store happens under the read lock.
	out := make([]Block, len(old.blocks))
	for i, blk := range old.blocks {
		out[i] = make(Block, len(blk))
		copy(out[i], blk)
		clear(blk)
	}

	b.mu.Lock()
	b.spare = old
	b.mu.Unlock()

	return out
}

// Dirty reports whether samples were written since the last Swap. The
// consumer uses it to collect writes that did not reach the notification
// threshold.
func (b *Buffer) Dirty() bool {
	return b.written.Load() > 0
}

// Cursor returns the number of samples written for phase since Reset.
func (b *Buffer) Cursor(phase int) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if phase < 0 || phase >= len(b.cursors) {
		return 0
	}
	return b.cursors[phase].Load()
}

// Phases returns the phase count the buffer was last reset for.
func (b *Buffer) Phases() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phases
}
