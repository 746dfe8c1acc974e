package notify

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/workout-engagement/internal/types"
)

var (
	notificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notify",
		Name:      "changes_received_total",
		Help:      "Row-change notifications received, by topic and kind.",
	}, []string{"topic", "kind"})

	notificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notify",
		Name:      "changes_dropped_total",
		Help:      "Row-change notifications that could not be decoded.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(notificationsReceived, notificationsDropped)
}

// Handler receives change events for one subscription.
type Handler func(types.ChangeEvent)

type subKey struct {
	topic  types.Topic
	entity types.EntityID
}

// fanout routes change events to the subscribers of their (topic, entity).
type fanout struct {
	mu     sync.RWMutex
	nextID int
	subs   map[subKey]map[int]Handler
}

// Subscribe registers handler for changes on one entity and topic. The
// returned function removes the subscription and is safe to call twice.
func (f *fanout) Subscribe(topic types.Topic, entity types.EntityID, handler Handler) (func(), error) {
	if entity == "" {
		return nil, errors.New("entity id is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	key := subKey{topic: topic, entity: entity}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.subs == nil {
		f.subs = make(map[subKey]map[int]Handler)
	}
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]Handler)
	}
	f.subs[key][id] = handler

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		handlers := f.subs[key]
		if handlers == nil {
			return
		}
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(f.subs, key)
		}
	}, nil
}

// Subscribers returns the number of live subscriptions for a key.
func (f *fanout) Subscribers(topic types.Topic, entity types.EntityID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[subKey{topic: topic, entity: entity}])
}

func (f *fanout) dispatch(evt types.ChangeEvent) int {
	notificationsReceived.WithLabelValues(string(evt.Topic), kindLabel(evt.Change)).Inc()

	f.mu.RLock()
	handlers := f.subs[subKey{topic: evt.Topic, entity: evt.Entity}]
	recipients := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		recipients = append(recipients, h)
	}
	f.mu.RUnlock()

	for _, h := range recipients {
		h(evt)
	}
	return len(recipients)
}

// MemoryFeed delivers change events published in-process. It pairs with
// storage.MemoryStore.
type MemoryFeed struct {
	fanout
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

// Publish delivers evt synchronously to matching subscribers.
func (m *MemoryFeed) Publish(evt types.ChangeEvent) {
	m.dispatch(evt)
}
