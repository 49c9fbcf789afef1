package jobs

import (
	"sync"
	"time"

	"media-workbench/internal/domain"
)

// EventType classifies messages emitted during job execution.
type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
	EventTypeResult   EventType = "result"
	EventTypeError    EventType = "error"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq        int64           `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	JobID      domain.JobID    `json:"jobId"`
	Page       string          `json:"page,omitempty"`
	Name       string          `json:"name,omitempty"`
	Type       EventType       `json:"type"`
	State      domain.JobState `json:"state,omitempty"`
	Percent    float64         `json:"percent"`
	Removed    bool            `json:"removed,omitempty"`
	Message    string          `json:"message,omitempty"`
	OutputPath string          `json:"outputPath,omitempty"`
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event

	listenMu   sync.RWMutex
	nextListen int
	listeners  map[int]func(Event)
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		listeners: make(map[int]func(Event)),
	}
}

// Publish appends one event, assigns sequence and timestamp, then hands
// the stored event to every listener.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	b.mu.Unlock()

	b.listenMu.RLock()
	listeners := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.listenMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Listen registers fn for every future event.
func (b *EventBus) Listen(fn func(Event)) func() {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()

	b.nextListen++
	key := b.nextListen
	b.listeners[key] = fn
	return func() {
		b.listenMu.Lock()
		defer b.listenMu.Unlock()
		delete(b.listeners, key)
	}
}
