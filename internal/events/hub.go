package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel depth given to each hub subscriber.
const DefaultSubscriberBuffer = 64

// Hub broadcasts events to live subscribers such as websocket clients. A slow
// subscriber never blocks the engine: events that do not fit in its buffer
// are dropped and counted.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// Subscription is one hub subscriber.
type Subscription struct {
	id      uint64
	ch      chan Event
	dropped atomic.Int64
	hub     *Hub
	once    sync.Once
}

// NewHub returns an empty hub. If log is nil, slog.Default() is used.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "event-hub"),
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber with the given buffer depth
// (DefaultSubscriberBuffer if <= 0).
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan Event, buffer), hub: h}
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debug("subscriber added", "subscriber", sub.id, "subscribers", n)
	return sub
}

// Report delivers e to every subscriber that has room for it.
func (h *Hub) Report(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debug("subscriber removed", "subscriber", sub.id, "subscribers", n, "dropped", sub.dropped.Load())
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events did not fit in the subscriber's buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel. It is safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}
