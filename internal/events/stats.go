package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxRecentEvents = 32

// RecentEvent is the JSON form of an event kept in the stats snapshot.
type RecentEvent struct {
	ID       string `json:"id"`
	Time     int64  `json:"ts"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Phase    int    `json:"phase"`
	TP       int64  `json:"tp,omitempty"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// Recent converts e to its snapshot form.
func Recent(e Event) RecentEvent {
	return RecentEvent{
		ID:       e.ID.String(),
		Time:     e.Time.UnixMilli(),
		Kind:     e.Kind.String(),
		Severity: e.Severity.String(),
		Phase:    e.Phase,
		TP:       e.TP,
		Message:  e.Message,
		Error:    e.ErrorText(),
	}
}

// Snapshot is a point-in-time copy of the engine counters, serialized by the
// stats API.
type Snapshot struct {
	Timestamp        int64            `json:"ts"`
	UptimeMs         int64            `json:"uptimeMs"`
	GroupsForwarded  int64            `json:"groupsForwarded"`
	SamplesForwarded int64            `json:"samplesForwarded"`
	AudioForwarded   int64            `json:"audioForwarded"`
	LastTP           int64            `json:"lastTP,omitempty"`
	Anomalies        map[string]int64 `json:"anomalies"`
	Cursors          []uint64         `json:"cursors,omitempty"`
	Recent           []RecentEvent    `json:"recent,omitempty"`
}

// Stats accumulates engine telemetry. Counters are atomic; the recent-event
// log is guarded by mu. Stats implements Reporter so it can sit in the same
// fan-out as the log reporter.
type Stats struct {
	started time.Time

	groups  atomic.Int64
	samples atomic.Int64
	audio   atomic.Int64
	lastTP  atomic.Int64
	byKind  [numKinds]atomic.Int64

	mu     sync.Mutex
	recent []RecentEvent
}

// NewStats returns zeroed stats with the uptime clock starting now.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Report counts e and appends it to the recent-event log.
func (s *Stats) Report(e Event) {
	if e.Kind >= 0 && e.Kind < numKinds {
		s.byKind[e.Kind].Add(1)
	}

	s.mu.Lock()
	s.recent = append(s.recent, Recent(e))
	if len(s.recent) > maxRecentEvents {
		s.recent = s.recent[len(s.recent)-maxRecentEvents:]
	}
	s.mu.Unlock()
}

// RecordGroup counts one forwarded video group of n samples stamped tp.
func (s *Stats) RecordGroup(tp int64, n int) {
	s.groups.Add(1)
	s.samples.Add(int64(n))
	s.lastTP.Store(tp)
}

// RecordAudio counts one forwarded audio sequence.
func (s *Stats) RecordAudio() {
	s.audio.Add(1)
}

// Count returns the number of events of kind k seen so far.
func (s *Stats) Count(k Kind) int64 {
	if k < 0 || k >= numKinds {
		return 0
	}
	return s.byKind[k].Load()
}

// Groups returns the number of forwarded video groups.
func (s *Stats) Groups() int64 {
	return s.groups.Load()
}

// Snapshot copies the current counters. cursors are the ring buffer's
// per-phase write positions, supplied by the caller.
func (s *Stats) Snapshot(cursors []uint64) Snapshot {
	now := time.Now()
	snap := Snapshot{
		Timestamp:        now.UnixMilli(),
		UptimeMs:         now.Sub(s.started).Milliseconds(),
		GroupsForwarded:  s.groups.Load(),
		SamplesForwarded: s.samples.Load(),
		AudioForwarded:   s.audio.Load(),
		LastTP:           s.lastTP.Load(),
		Anomalies:        make(map[string]int64, numKinds),
		Cursors:          cursors,
	}
	for _, k := range Kinds() {
		snap.Anomalies[k.String()] = s.byKind[k].Load()
	}

	s.mu.Lock()
	snap.Recent = make([]RecentEvent, len(s.recent))
	copy(snap.Recent, s.recent)
	s.mu.Unlock()

	return snap
}
