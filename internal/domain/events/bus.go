// Package events provides the typed in-process event bus shared by the
// proxy components. Event kinds are a closed set.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event type on the bus.
type Kind string

// The closed set of event kinds.
const (
	ToolExecuteOK  Kind = "tool.execute.ok"
	ToolExecuteErr Kind = "tool.execute.err"
	GateAutoEnable Kind = "gate.auto_enable"
	GateDisableTTL Kind = "gate.auto_disable.ttl"
	GateDisableLRU Kind = "gate.auto_disable.lru"
	BackendUp      Kind = "backend.connected"
	BackendDown    Kind = "backend.disconnected"
	GatingMetrics  Kind = "gating.metrics"
)

// Event is a single bus record. Fields not relevant to a kind are zero.
type Event struct {
	Kind    Kind
	At      time.Time
	Session string
	Backend string
	Tool    string
	Toolset string
	Err     string
	// Fields carries kind-specific payloads, e.g. gating metrics counters.
	Fields map[string]interface{}
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a minimal typed publish/subscribe bus. Not a global: construct one
// and inject it into every component that emits or observes events.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Kind]map[int]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind]map[int]Handler)}
}

// Publish delivers the event to every handler subscribed to its kind.
// The event timestamp is stamped here if the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(ev)
	}
}

// Subscribe registers a handler for a kind and returns an unsubscribe
// function. Safe for concurrent use.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[kind][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}
