// Package events mirrors the kernel's iopub broadcasts in memory so the
// status API can replay and stream them.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one mirrored broadcast.
type Event struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Parent  string          `json:"parent,omitempty"`
	At      time.Time       `json:"at"`
	Content json.RawMessage `json:"content"`
}

// Hub fans broadcasts out to subscribers and keeps the most recent ones for
// clients that connect late.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	backlog []Event
	head    int
	full    bool
	subs    map[chan Event]struct{}
}

// NewHub keeps up to capacity events (100 if capacity <= 0).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, capacity),
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish records a broadcast of msgType correlated to parent (a msg_id,
// empty when unparented).
func (h *Hub) Publish(msgType, parent string, content any) {
	raw := json.RawMessage("{}")
	if content != nil {
		if b, err := json.Marshal(content); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev := Event{Seq: h.seq, Type: msgType, Parent: parent, At: time.Now().UTC(), Content: raw}

	h.backlog[h.head] = ev
	h.head = (h.head + 1) % len(h.backlog)
	if h.head == 0 {
		h.full = true
	}

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers miss events rather than stall the kernel.
		}
	}
}

// Subscribe returns a live feed and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with Seq > after, oldest first.
func (h *Hub) Since(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []Event
	if h.full {
		ordered = append(ordered, h.backlog[h.head:]...)
	}
	ordered = append(ordered, h.backlog[:h.head]...)

	out := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}
