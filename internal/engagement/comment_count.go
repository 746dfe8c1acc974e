package engagement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/bus"
	"github.com/example/workout-engagement/internal/types"
)

// CommentCounter tracks the comment count for one entity. Besides the push
// feed and peer hints it follows local list writes announced on the bus.
type CommentCounter struct {
	core  *core
	store CommentStore

	unsubscribe func()
}

func newCommentCounter(store CommentStore, events *bus.Bus, entity types.EntityID, s settings, logger zerolog.Logger) *CommentCounter {
	cc := &CommentCounter{store: store}
	cc.core = newCore(types.TopicComments, entity, "", cc.read, s, logger)
	if s.initialComments != nil {
		cc.core.seed(types.EngagementState{Count: *s.initialComments})
	}
	if events != nil {
		cc.unsubscribe = events.OnChange(cc.onLocalWrite)
	}
	return cc
}

func (cc *CommentCounter) read(ctx context.Context) (exact, error) {
	count, err := cc.store.CountComments(ctx, cc.core.entity)
	if err != nil {
		return exact{}, fmt.Errorf("count comments: %w", err)
	}
	return exact{count: count}, nil
}

// onLocalWrite applies a delta announced by the comment list. The record id
// goes through the same registries as pushed changes, so whichever of the
// two arrives second is ignored.
func (cc *CommentCounter) onLocalWrite(d bus.Delta) {
	c := cc.core
	if d.Entity != c.entity || d.Delta == 0 {
		return
	}

	registry, kind := c.inserts, "insert"
	if d.Delta < 0 {
		registry, kind = c.deletes, "delete"
	}
	if !registry.Observe(d.Record) {
		changesDeduplicated.WithLabelValues(string(c.topic), kind).Inc()
		return
	}

	changesApplied.WithLabelValues(string(c.topic), kind).Inc()
	c.adjust(d.Delta, "", false)
	c.sendHint(d.Delta, d.Record)
	c.requestReconcile()
}

// State returns the current comment count state. Mine is always false.
func (cc *CommentCounter) State() types.EngagementState {
	return cc.core.snapshot()
}

// OnChange registers fn to run after every state change.
func (cc *CommentCounter) OnChange(fn func()) func() {
	return cc.core.observers.add(fn)
}

// Reconcile performs an exact read now.
func (cc *CommentCounter) Reconcile(ctx context.Context) error {
	return cc.core.reconcile(ctx, false)
}

func (cc *CommentCounter) close() error {
	if cc.unsubscribe != nil {
		cc.unsubscribe()
		cc.unsubscribe = nil
	}
	return cc.core.close()
}
