package backend

import (
	"sync"

	"srd/internal/runtime"
)

// Event names published by the Manager.
const (
	EventBackendReady    = "backend_ready"
	EventBackendFailed   = "backend_failed"
	EventBackendSwitched = "backend_switched"
	EventBackendEvicted  = "backend_evicted"
	EventBuffersRealloc  = "buffers_reallocated"
	EventInferenceRetry  = "inference_retry"
)

// Event represents a backend lifecycle event.
// Minimal and stable: name + kind and optional fields.
type Event struct {
	Name   string
	Kind   runtime.Kind
	Fields map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events named name were published.
func (p *MemoryPublisher) Count(name string) int {
	n := 0
	for _, e := range p.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}
