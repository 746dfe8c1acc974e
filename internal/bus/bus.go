package bus

import (
	"sync"

	"github.com/example/workout-engagement/internal/types"
)

// Delta announces that a local write changed an entity's item count.
type Delta struct {
	Entity types.EntityID
	Record types.RecordID
	Delta  int
}

// Handler receives deltas.
type Handler func(Delta)

// Bus is an in-process publish/subscribe utility. It is not persisted and is
// never visible on the network; owners pass it explicitly to the components
// that need to stay in lockstep.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// OnChange registers a handler. The returned function removes it.
func (b *Bus) OnChange(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Emit delivers a delta to every registered handler synchronously.
func (b *Bus) Emit(entity types.EntityID, record types.RecordID, delta int) {
	evt := Delta{Entity: entity, Record: record, Delta: delta}
	for _, handler := range b.snapshot() {
		handler(evt)
	}
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		out = append(out, h)
	}
	return out
}
