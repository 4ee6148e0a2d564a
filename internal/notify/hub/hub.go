// Package hub fans SLA events out to in-process subscribers, typically
// dashboard connections streaming over Server-Sent Events.
package hub

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
)

const defaultBuffer = 32

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Priority    sla.Priority
	RequestType sla.RequestType
	CaseID      string
}

func (f Filter) match(ev tracker.Event) bool {
	if f.Priority != "" && ev.Priority != f.Priority {
		return false
	}
	if f.RequestType != "" && ev.RequestType != f.RequestType {
		return false
	}
	if f.CaseID != "" && ev.CaseID != f.CaseID {
		return false
	}
	return true
}

// Subscriber receives events on C until it is unsubscribed.
type Subscriber struct {
	ID     string
	C      <-chan tracker.Event
	send   chan tracker.Event
	filter Filter
}

// Hub is a non-blocking broadcaster. A subscriber whose buffer is full
// misses the event; Publish never waits on a slow reader.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	nextID atomic.Uint64
	buffer int

	dropped atomic.Uint64
	onDrop  func()
}

// New returns a Hub whose subscribers buffer up to buffer events. A
// non-positive buffer uses the default.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscriber), buffer: buffer}
}

// OnDrop registers fn to be called each time an event is dropped for a
// slow subscriber. Must be called before the hub is used.
func (h *Hub) OnDrop(fn func()) { h.onDrop = fn }

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes its channel; it is safe to call more than once.
func (h *Hub) Subscribe(f Filter) (*Subscriber, func()) {
	ch := make(chan tracker.Event, h.buffer)
	s := &Subscriber{
		ID:     strconv.FormatUint(h.nextID.Add(1), 10),
		C:      ch,
		send:   ch,
		filter: f,
	}

	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()

	var once sync.Once
	return s, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s.ID)
			close(s.send)
			h.mu.Unlock()
		})
	}
}

// Publish implements tracker.Publisher. It never blocks and never fails.
func (h *Hub) Publish(_ context.Context, ev tracker.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.send <- ev:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	return nil
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
