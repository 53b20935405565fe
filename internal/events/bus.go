// Package events is an in-process publish/subscribe bus for operational
// events: request lifecycle, model calls, tool dispatch, and extension
// server state. A nil *Bus accepts Publish and Emit as no-ops so
// components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent      = "agent"
	SourceController = "controller"
	SourceRegistry   = "registry"
	SourceCapture    = "capture"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// conversation_id, origin
	KindRequestStart = "request_start"
	// conversation_id, iter
	KindLLMCall = "llm_call"
	// conversation_id, iter, tool_calls
	KindLLMResponse = "llm_response"
	// conversation_id, request_id, tool
	KindToolCall = "tool_call"
	// conversation_id, request_id, tool, ok, duration_ms
	KindToolDone = "tool_done"
	// conversation_id, outcome, turns, elapsed_ms
	KindRequestComplete = "request_complete"
	// origin, policy
	KindRequestRejected = "request_rejected"

	// server, tools
	KindServerUp = "server_up"
	// server, error
	KindServerDown = "server_down"
	// server, attempts
	KindServerFailed = "server_failed"
	// tool, winner, loser
	KindToolCollision = "tool_collision"

	// state
	KindCaptureState = "capture_state"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events. Call Unsubscribe when
// done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}
