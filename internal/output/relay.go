// Package output provides output pins for the slsm engine: a fan-out relay,
// an SRT pusher, a QUIC server for remote subscribers and a log pin.
package output

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/slsm"
)

// Compile-time interface checks.
var (
	_ slsm.Pin = (*Relay)(nil)
	_ slsm.Pin = (*SRTPin)(nil)
	_ slsm.Pin = (*LogPin)(nil)
)

// Subscriber receives every sequence pushed to a Relay. Send must not block;
// a subscriber that cannot keep up drops sequences and counts them.
type Subscriber interface {
	ID() string
	Send(seq *media.Sequence)
	Stats() SubscriberStats
}

// SubscriberStats captures per-subscriber delivery metrics.
type SubscriberStats struct {
	ID        string `json:"id"`
	Sent      int64  `json:"sent"`
	Dropped   int64  `json:"dropped"`
	BytesSent int64  `json:"bytesSent"`
	LastTP    int64  `json:"lastTp,omitempty"`
}

// Relay fans the output sequences out to all registered subscribers. It
// remembers the output stream info so that late subscribers can be told what
// they are about to receive.
type Relay struct {
	log  *slog.Logger
	mu   sync.RWMutex
	subs map[string]Subscriber
	info media.StreamInfo

	infoSet   bool
	infoReady chan struct{}

	pushed atomic.Int64
}

// NewRelay creates a Relay with no subscribers.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:       log.With("component", "relay"),
		subs:      make(map[string]Subscriber),
		infoReady: make(chan struct{}),
	}
}

// SetInfo stores the output stream info. Only the first call has an effect.
func (r *Relay) SetInfo(info media.StreamInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.infoSet {
		return
	}
	r.info = info
	r.infoSet = true
	close(r.infoReady)
	r.log.Debug("output info set", "video_tracks", len(info.Video), "audio_tracks", len(info.Audio))
}

// Info returns the output stream info, which is zero until SetInfo is called.
func (r *Relay) Info() media.StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// WaitInfo blocks until SetInfo has been called or ctx is done. It reports
// whether the info is available.
func (r *Relay) WaitInfo(ctx context.Context) bool {
	select {
	case <-r.infoReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Add registers a subscriber.
func (r *Relay) Add(s Subscriber) {
	r.mu.Lock()
	r.subs[s.ID()] = s
	n := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscriber added", "subscriber", s.ID(), "subscribers", n)
}

// Remove unregisters a subscriber by ID.
func (r *Relay) Remove(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	n := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscriber removed", "subscriber", id, "subscribers", n)
}

// Push sends seq to every subscriber. It never fails.
func (r *Relay) Push(_ context.Context, seq *media.Sequence) error {
	r.pushed.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		s.Send(seq)
	}
	return nil
}

// Pushed returns the number of sequences pushed to the relay.
func (r *Relay) Pushed() int64 {
	return r.pushed.Load()
}

// Count returns the number of subscribers.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// StatsAll returns delivery metrics for every subscriber.
func (r *Relay) StatsAll() []SubscriberStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s.Stats())
	}
	return out
}

// Fanout pushes each sequence to every pin in order. The first error is
// returned after all pins have been tried.
type Fanout []slsm.Pin

// Push implements slsm.Pin.
func (f Fanout) Push(ctx context.Context, seq *media.Sequence) error {
	var first error
	for _, p := range f {
		if err := p.Push(ctx, seq); err != nil && first == nil {
			first = err
		}
	}
	return first
}
