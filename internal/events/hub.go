// Package events is an in-memory pub/sub for run lifecycle notifications,
// with a small replay buffer so late subscribers (SSE clients, the watch
// TUI) can catch up.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Run lifecycle event types, published by the dispatcher.
const (
	TypeRunQueued    = "run.queued"
	TypeRunStarted   = "run.started"
	TypeRunStep      = "run.step"
	TypeRunFinished  = "run.finished"
	TypeRunCancelled = "run.cancelled"
)

// Payload carries the run lifecycle fields attached to an event. Only the
// fields relevant to the event type are set; the rest marshal away.
type Payload struct {
	RunID        string `json:"run_id"`
	Workflow     string `json:"workflow,omitempty"`
	Event        string `json:"event,omitempty"`
	Ref          string `json:"ref,omitempty"`
	Target       string `json:"target,omitempty"`
	Step         string `json:"step,omitempty"`
	Status       string `json:"status,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Event is one published lifecycle notification. Data is the marshalled
// Payload, kept as raw JSON so SSE frames can forward it verbatim.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// Hub fans run lifecycle events out to subscribers and keeps the most recent
// ones for replay.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	buf    []Event
	cap    int
	subs   map[int]chan Event
	nextID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		cap:  capacity,
		subs: make(map[int]chan Event),
	}
}

// Publish assigns the next event ID, buffers the event, and offers it to
// every subscriber. Slow subscribers are skipped, never blocked on.
func (h *Hub) Publish(eventType string, p Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte("{}")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:   h.lastID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	}

	h.buf = append(h.buf, ev)
	if len(h.buf) > h.cap {
		h.buf = h.buf[len(h.buf)-h.cap:]
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// lastID 0 returns everything still buffered.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.buf))
	for _, ev := range h.buf {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
