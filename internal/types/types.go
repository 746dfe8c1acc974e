package types

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicate is returned by a store when an insert collides with an
	// existing membership row.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned by a store when a delete matched nothing.
	ErrNotFound = errors.New("record not found")
	// ErrNoActor is returned when a write is attempted without an
	// authenticated actor in the context.
	ErrNoActor = errors.New("no authenticated actor")
)

// EntityID identifies the annotated subject (a workout session).
type EntityID string

// ActorID identifies an authenticated user.
type ActorID string

// Valid reports whether the actor id is a well-formed identity.
func (a ActorID) Valid() bool {
	if a == "" {
		return false
	}
	_, err := uuid.Parse(string(a))
	return err == nil
}

// RecordID is the primary key of a like or comment row. It doubles as the
// dedup key for change events.
type RecordID int64

// Topic names an engagement concern.
type Topic string

const (
	TopicLikes    Topic = "likes"
	TopicComments Topic = "comments"
)

// Change is a closed union of row-change notifications. The only
// implementations are Inserted and Deleted.
type Change interface {
	change()
}

// Inserted reports a new row.
type Inserted struct {
	Record RecordID
	Actor  ActorID
}

// Deleted reports a removed row.
type Deleted struct {
	Record RecordID
	Actor  ActorID
}

func (Inserted) change() {}
func (Deleted) change()  {}

// ChangeEvent is a row change scoped to one entity and topic.
type ChangeEvent struct {
	Topic  Topic
	Entity EntityID
	Change Change
}

// EngagementState is the locally known engagement for one entity and
// concern. Mine is only meaningful for likes.
type EngagementState struct {
	Count int  `json:"count"`
	Mine  bool `json:"mine"`
	Ready bool `json:"ready"`
}

// Add applies a signed delta, clamping the count at zero.
func (s EngagementState) Add(delta int) EngagementState {
	s.Count += delta
	if s.Count < 0 {
		s.Count = 0
	}
	return s
}

// Comment is one comment row. Key is a locally assigned, monotonically
// increasing identifier that stays stable while the comment is pending.
type Comment struct {
	ID        RecordID  `json:"id"`
	Key       int64     `json:"key"`
	Entity    EntityID  `json:"session_id"`
	Actor     ActorID   `json:"actor_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending,omitempty"`
}

type actorKey struct{}

// WithActor returns a context carrying the authenticated actor. Stores read
// the writer identity from here rather than from call arguments.
func WithActor(ctx context.Context, actor ActorID) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the authenticated actor from ctx.
func ActorFrom(ctx context.Context) (ActorID, error) {
	actor, ok := ctx.Value(actorKey{}).(ActorID)
	if !ok || !actor.Valid() {
		return "", ErrNoActor
	}
	return actor, nil
}
