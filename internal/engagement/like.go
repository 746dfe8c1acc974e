package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/types"
)

// LikeEngine tracks the like count for one entity and whether the local
// actor is among the likers.
type LikeEngine struct {
	core  *core
	store LikeStore
}

func newLikeEngine(store LikeStore, entity types.EntityID, actor types.ActorID, s settings, logger zerolog.Logger) *LikeEngine {
	e := &LikeEngine{store: store}
	e.core = newCore(types.TopicLikes, entity, actor, e.read, s, logger)
	e.core.tracksMine = true
	if s.initialLikes != nil {
		e.core.seed(*s.initialLikes)
	}
	return e
}

func (e *LikeEngine) read(ctx context.Context) (exact, error) {
	count, err := e.store.CountLikes(ctx, e.core.entity)
	if err != nil {
		return exact{}, fmt.Errorf("count likes: %w", err)
	}
	result := exact{count: count}
	if !e.core.actor.Valid() {
		return result, nil
	}
	result.mine, err = e.store.HasLiked(ctx, e.core.entity, e.core.actor)
	if err != nil {
		return exact{}, fmt.Errorf("check like membership: %w", err)
	}
	return result, nil
}

// State returns the current like state.
func (e *LikeEngine) State() types.EngagementState {
	return e.core.snapshot()
}

// OnChange registers fn to run after every state change.
func (e *LikeEngine) OnChange(fn func()) func() {
	return e.core.observers.add(fn)
}

// Reconcile performs an exact read now.
func (e *LikeEngine) Reconcile(ctx context.Context) error {
	return e.core.reconcile(ctx, false)
}

// ToggleLike likes or unlikes the entity as the local actor. It is a no-op
// for an invalid actor or while another toggle is in flight. A failed write
// is rolled back and reported wrapped in ErrMutationFailed. Every toggle
// ends with an exact read.
func (e *LikeEngine) ToggleLike(ctx context.Context) error {
	c := e.core
	if !c.actor.Valid() {
		return nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer c.busy.Store(false)

	ctx = types.WithActor(ctx, c.actor)

	var err error
	if c.snapshot().Mine {
		err = e.unlike(ctx)
	} else {
		err = e.like(ctx)
	}

	if rerr := c.reconcile(ctx, true); rerr != nil {
		c.logger.Debug().Err(rerr).Msg("post-toggle read failed")
	}
	return err
}

func (e *LikeEngine) like(ctx context.Context) error {
	c := e.core

	checkCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	exists, err := e.store.HasLiked(checkCtx, c.entity, c.actor)
	cancel()
	if err != nil {
		mutations.WithLabelValues("like", "failed").Inc()
		c.logger.Warn().Err(err).Msg("like pre-flight check failed")
		return fmt.Errorf("%w: %w", ErrMutationFailed, err)
	}
	if exists {
		mutations.WithLabelValues("like", "stale").Inc()
		c.setMine(true)
		return nil
	}

	c.setMine(true)

	writeCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	record, err := e.store.InsertLike(writeCtx, c.entity)
	cancel()

	switch {
	case err == nil:
		mutations.WithLabelValues("like", "ok").Inc()
		c.inserts.Remember(record)
		c.sendHint(1, record)
		return nil
	case errors.Is(err, types.ErrDuplicate):
		mutations.WithLabelValues("like", "duplicate").Inc()
		return nil
	case unknownOutcome(err):
		mutations.WithLabelValues("like", "unknown").Inc()
		c.logger.Warn().Err(err).Msg("like write outcome unknown, deferring to exact read")
		return nil
	default:
		mutations.WithLabelValues("like", "failed").Inc()
		rollbacks.WithLabelValues("like").Inc()
		c.setMine(false)
		c.logger.Warn().Err(err).Msg("like write failed, rolled back")
		return fmt.Errorf("%w: %w", ErrMutationFailed, err)
	}
}

func (e *LikeEngine) unlike(ctx context.Context) error {
	c := e.core
	c.setMine(false)

	writeCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	record, err := e.store.DeleteLike(writeCtx, c.entity)
	cancel()

	switch {
	case err == nil:
		mutations.WithLabelValues("unlike", "ok").Inc()
		c.deletes.Remember(record)
		c.sendHint(-1, record)
		return nil
	case errors.Is(err, types.ErrNotFound):
		mutations.WithLabelValues("unlike", "stale").Inc()
		return nil
	case unknownOutcome(err):
		mutations.WithLabelValues("unlike", "unknown").Inc()
		c.logger.Warn().Err(err).Msg("unlike write outcome unknown, deferring to exact read")
		return nil
	default:
		mutations.WithLabelValues("unlike", "failed").Inc()
		rollbacks.WithLabelValues("unlike").Inc()
		c.setMine(true)
		c.logger.Warn().Err(err).Msg("unlike write failed, rolled back")
		return fmt.Errorf("%w: %w", ErrMutationFailed, err)
	}
}
