package streaming

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// subscription is one attached consumer. Delivery never blocks the
// publisher: a full channel drops the event for that subscriber only.
type subscription struct {
	events chan StreamEvent
	filter EventFilter
}

func (s *subscription) wants(e StreamEvent) bool {
	if s.filter.RunID != "" && s.filter.RunID != e.RunID {
		return false
	}
	if len(s.filter.EventTypes) == 0 {
		return true
	}
	for _, t := range s.filter.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// MemoryHub is the in-process EventHub used by the orchestrator, the
// approval gate, and the MCP event bridge.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish fans the event out to every subscriber whose filter matches.
// Slow subscribers lose events rather than stalling run execution.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

// Subscribe attaches a filtered consumer. The returned function detaches
// it; calling it more than once is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		events: make(chan StreamEvent, subscriberBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	return sub.events, unsubscribe, nil
}
