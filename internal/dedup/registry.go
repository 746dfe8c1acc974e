package dedup

import (
	"container/list"
	"sync"

	"github.com/example/workout-engagement/internal/types"
)

// DefaultCapacity bounds a registry when the caller does not pick a size.
const DefaultCapacity = 512

// Registry remembers recently applied record ids so a repeated change event
// is not applied twice. The oldest entries are evicted once capacity is
// reached.
type Registry struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[types.RecordID]*list.Element
}

// New creates a registry holding at most capacity ids.
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[types.RecordID]*list.Element),
	}
}

// Seen reports whether id is currently remembered.
func (r *Registry) Seen(id types.RecordID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.items[id]
	return ok
}

// Remember records id, refreshing its position if already present.
func (r *Registry) Remember(id types.RecordID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remember(id)
}

// Observe remembers id and reports whether it was new. A false result means
// the caller has already applied this record.
func (r *Registry) Observe(id types.RecordID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if element, ok := r.items[id]; ok {
		r.ll.MoveToFront(element)
		return false
	}
	r.remember(id)
	return true
}

// Len returns the number of remembered ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}

func (r *Registry) remember(id types.RecordID) {
	if element, ok := r.items[id]; ok {
		r.ll.MoveToFront(element)
		return
	}

	r.items[id] = r.ll.PushFront(id)

	if r.ll.Len() > r.capacity {
		last := r.ll.Back()
		if last != nil {
			r.ll.Remove(last)
			delete(r.items, last.Value.(types.RecordID))
		}
	}
}
