// Package engagement keeps like and comment state for one workout session
// consistent across several unreliable update sources: local optimistic
// writes, pushed row changes, peer broadcast hints and periodic exact reads.
// Only the exact read is authoritative.
package engagement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/broadcast"
	"github.com/example/workout-engagement/internal/dedup"
	"github.com/example/workout-engagement/internal/notify"
	"github.com/example/workout-engagement/internal/types"
)

var (
	// ErrMutationFailed wraps a store error after the optimistic change was
	// rolled back. The action is not retried.
	ErrMutationFailed = errors.New("engagement mutation failed")
	// ErrEmptyComment is returned when a comment body is blank.
	ErrEmptyComment = errors.New("comment body is empty")
	// ErrUnknownComment is returned when removing a comment the list does not
	// hold, or one that is still pending or owned by another actor.
	ErrUnknownComment = errors.New("unknown comment")
	// ErrViewClosed is returned by View operations after Close.
	ErrViewClosed = errors.New("view closed")
)

// LikeStore is the ground-truth accessor and write path for likes. Inserts
// and deletes act on behalf of the actor carried by the context.
type LikeStore interface {
	CountLikes(ctx context.Context, entity types.EntityID) (int, error)
	HasLiked(ctx context.Context, entity types.EntityID, actor types.ActorID) (bool, error)
	InsertLike(ctx context.Context, entity types.EntityID) (types.RecordID, error)
	DeleteLike(ctx context.Context, entity types.EntityID) (types.RecordID, error)
}

// CommentStore is the ground-truth accessor and write path for comments.
type CommentStore interface {
	CountComments(ctx context.Context, entity types.EntityID) (int, error)
	ListComments(ctx context.Context, entity types.EntityID, limit, offset int) ([]types.Comment, error)
	InsertComment(ctx context.Context, entity types.EntityID, body string) (types.Comment, error)
	DeleteComment(ctx context.Context, entity types.EntityID, id types.RecordID) (types.RecordID, error)
}

// ChangeFeed delivers row-change notifications for one entity and topic.
type ChangeFeed interface {
	Subscribe(topic types.Topic, entity types.EntityID, handler notify.Handler) (func(), error)
}

// Peers hands out entity-scoped broadcast channels.
type Peers interface {
	Join(ctx context.Context, topic types.Topic, entity types.EntityID) (broadcast.Channel, error)
}

// Deps are the external services a View is mounted on. Feed and Peers are
// optional; without them the engines rely on interval reconciliation.
type Deps struct {
	Likes    LikeStore
	Comments CommentStore
	Feed     ChangeFeed
	Peers    Peers
	Logger   zerolog.Logger
}

const (
	DefaultReconcileInterval = 12 * time.Second
	DefaultOpTimeout         = 8 * time.Second
	DefaultPageSize          = 20
)

type settings struct {
	reconcileInterval time.Duration
	opTimeout         time.Duration
	dedupCapacity     int
	pageSize          int
	initialLikes      *types.EngagementState
	initialComments   *int
}

func defaultSettings() settings {
	return settings{
		reconcileInterval: DefaultReconcileInterval,
		opTimeout:         DefaultOpTimeout,
		dedupCapacity:     dedup.DefaultCapacity,
		pageSize:          DefaultPageSize,
	}
}

// Option configures a View and its engines.
type Option func(*settings)

// WithReconcileInterval sets the fallback exact-read interval.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reconcileInterval = d
		}
	}
}

// WithOpTimeout bounds every individual store read and write.
func WithOpTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithDedupCapacity bounds each dedup registry.
func WithDedupCapacity(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.dedupCapacity = n
		}
	}
}

// WithPageSize sets how many comments Refresh and LoadMore fetch.
func WithPageSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithInitialLikes seeds like state from a caller-supplied snapshot. An exact
// read is still scheduled at mount.
func WithInitialLikes(state types.EngagementState) Option {
	return func(s *settings) {
		s.initialLikes = &state
	}
}

// WithInitialComments seeds the comment count.
func WithInitialComments(count int) Option {
	return func(s *settings) {
		s.initialComments = &count
	}
}

// unknownOutcome reports whether a write error leaves the commit state
// undecided. Such writes are not rolled back; the next exact read decides.
func unknownOutcome(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
