package agent

import (
	"sync"
	"time"
)

// EventKind identifies the type of turn event delivered to the caller.
type EventKind string

const (
	EventTokenCount EventKind = "token_count"
	EventThinking   EventKind = "thinking"
	EventToolCalls  EventKind = "tool_calls"
	EventToolResult EventKind = "tool_result"
	EventContent    EventKind = "content"
	EventNotice     EventKind = "notice"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
	EventCancelled  EventKind = "cancelled"
)

// Event is one ordered item on a turn's event stream. Content events are
// appendable; done, error, and cancelled are terminal for the turn.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError || e.Kind == EventCancelled
}

// emitter delivers events to the caller over a buffered channel. The caller
// pulls; the loop never blocks on a slow consumer. The last buffer slot is
// reserved for the turn's single terminal event, so even a caller that stops
// reading cannot strand the turn goroutine mid-emit. Non-terminal events are
// dropped once the remaining buffer fills.
type emitter struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

func newEmitter(buffer int) *emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) events() <-chan Event { return e.ch }

func (e *emitter) emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ev := Event{Kind: kind, Timestamp: time.Now(), Data: data}
	if ev.Terminal() {
		// The reserved slot guarantees room for the one terminal event a
		// turn emits; anything beyond that is dropped rather than blocked on.
		select {
		case e.ch <- ev:
		default:
		}
		return
	}
	if len(e.ch) >= cap(e.ch)-1 {
		// Keep the last slot free for the terminal event.
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
