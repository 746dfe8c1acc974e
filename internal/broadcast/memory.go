package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/workout-engagement/internal/types"
)

type memoryKey struct {
	topic  types.Topic
	entity types.EntityID
}

// MemoryHub is an in-process hub with the same semantics as RedisHub:
// entity-scoped, fire-and-forget, no self-delivery.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[memoryKey]map[*memoryChannel]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[memoryKey]map[*memoryChannel]struct{})}
}

// Join registers a new channel for the entity and topic.
func (h *MemoryHub) Join(_ context.Context, topic types.Topic, entity types.EntityID) (Channel, error) {
	if entity == "" {
		return nil, errors.New("entity id is required")
	}
	key := memoryKey{topic: topic, entity: entity}
	c := &memoryChannel{id: uuid.NewString(), key: key, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[key] == nil {
		h.channels[key] = make(map[*memoryChannel]struct{})
	}
	h.channels[key][c] = struct{}{}
	return c, nil
}

// Members returns the number of joined channels for an entity and topic.
func (h *MemoryHub) Members(topic types.Topic, entity types.EntityID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[memoryKey{topic: topic, entity: entity}])
}

func (h *MemoryHub) deliver(from *memoryChannel, hint Hint) {
	h.mu.RLock()
	recipients := make([]*memoryChannel, 0, len(h.channels[from.key]))
	for c := range h.channels[from.key] {
		if c != from {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.handlers.deliver(hint)
	}
}

func (h *MemoryHub) leave(c *memoryChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[c.key]
	delete(members, c)
	if len(members) == 0 {
		delete(h.channels, c.key)
	}
}

type memoryChannel struct {
	id       string
	key      memoryKey
	hub      *MemoryHub
	handlers handlerSet
}

func (c *memoryChannel) Send(_ context.Context, hint Hint) error {
	hint.Topic = c.key.topic
	hint.Entity = c.key.entity
	hint.Sender = c.id
	hint.SentAt = time.Now()
	c.hub.deliver(c, hint)
	return nil
}

func (c *memoryChannel) OnMessage(handler func(Hint)) func() {
	return c.handlers.add(handler)
}

func (c *memoryChannel) Leave() error {
	c.hub.leave(c)
	return nil
}
