package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workout-engagement/internal/types"
)

func newTestLikes(store *flakyStore, actor types.ActorID, opts ...Option) *LikeEngine {
	return newLikeEngine(store, session, actor, testSettings(opts...), quiet)
}

func TestFirstExactReadMarksReady(t *testing.T) {
	b := newBackend()
	seedLike(t, b.store, session, bob)
	seedLike(t, b.store, session, carol)
	seedLike(t, b.store, session, types.ActorID("9d5e2a10-1111-4c2b-8e3d-000000000004"))

	e := newTestLikes(b.store, alice)
	assert.Equal(t, types.EngagementState{}, e.State())

	require.NoError(t, e.Reconcile(context.Background()))
	assert.Equal(t, types.EngagementState{Count: 3, Ready: true}, e.State())
}

func TestToggleLikeIsOptimistic(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.store.set(func(f *flakyStore) { f.insertGate = gate })

	e := newTestLikes(b.store, alice)
	require.NoError(t, e.Reconcile(context.Background()))

	done := make(chan error, 1)
	go func() { done <- e.ToggleLike(context.Background()) }()

	require.Eventually(t, func() bool { return e.State().Mine }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.State().Count, "count waits for the exact read")

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())
}

func TestToggleLikeRollsBackOnWriteFailure(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice)
	require.NoError(t, e.Reconcile(context.Background()))

	var seen []bool
	e.OnChange(func() { seen = append(seen, e.State().Mine) })

	// The post-toggle read fails too, so only the rollback can restore Mine.
	b.store.set(func(f *flakyStore) {
		f.insertErr = errors.New("network unreachable")
		f.countErr = errors.New("network unreachable")
	})

	err := e.ToggleLike(context.Background())
	require.ErrorIs(t, err, ErrMutationFailed)
	assert.False(t, e.State().Mine)
	assert.Equal(t, []bool{true, false}, seen)
}

func TestUnlikeRollsBackOnWriteFailure(t *testing.T) {
	b := newBackend()
	seedLike(t, b.store, session, alice)
	e := newTestLikes(b.store, alice)
	require.NoError(t, e.Reconcile(context.Background()))
	require.True(t, e.State().Mine)

	b.store.set(func(f *flakyStore) { f.deleteErr = errors.New("connection reset") })

	err := e.ToggleLike(context.Background())
	require.ErrorIs(t, err, ErrMutationFailed)
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())
}

func TestToggleLikeUnlikeRoundTrip(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice)
	ctx := context.Background()

	require.NoError(t, e.ToggleLike(ctx))
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())

	require.NoError(t, e.ToggleLike(ctx))
	assert.Equal(t, types.EngagementState{Count: 0, Mine: false, Ready: true}, e.State())
	assert.Equal(t, 1, e.core.inserts.Len())
	assert.Equal(t, 1, e.core.deletes.Len())
}

func TestPreflightAdoptsExistingLike(t *testing.T) {
	b := newBackend()
	seedLike(t, b.store, session, alice)

	// Local state is stale: it never saw the like.
	e := newTestLikes(b.store, alice)
	require.NoError(t, e.ToggleLike(context.Background()))

	inserts, _ := b.store.calls()
	assert.Zero(t, inserts)
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())
}

func TestDuplicateInsertCountsAsSuccess(t *testing.T) {
	b := newBackend()
	seedLike(t, b.store, session, alice)
	b.store.set(func(f *flakyStore) { f.preflightMiss = 1 })

	e := newTestLikes(b.store, alice)
	require.NoError(t, e.ToggleLike(context.Background()))

	inserts, _ := b.store.calls()
	assert.Equal(t, 1, inserts)
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())
}

func TestUnlikeOfMissingLikeAdoptsServerState(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice, WithInitialLikes(types.EngagementState{Count: 4, Mine: true, Ready: true}))

	require.NoError(t, e.ToggleLike(context.Background()))
	assert.Equal(t, types.EngagementState{Count: 0, Mine: false, Ready: true}, e.State())
}

func TestToggleLikeSingleFlight(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.store.set(func(f *flakyStore) { f.insertGate = gate })
	e := newTestLikes(b.store, alice)

	done := make(chan error, 1)
	go func() { done <- e.ToggleLike(context.Background()) }()
	require.Eventually(t, func() bool { return e.State().Mine }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.ToggleLike(context.Background()))
	assert.True(t, e.State().Mine, "second toggle must not unlike")

	close(gate)
	require.NoError(t, <-done)

	inserts, deletes := b.store.calls()
	assert.Equal(t, 1, inserts)
	assert.Zero(t, deletes)
}

func TestToggleLikeIgnoresInvalidActor(t *testing.T) {
	for _, actor := range []types.ActorID{"", "not-a-uuid"} {
		b := newBackend()
		e := newTestLikes(b.store, actor)

		require.NoError(t, e.ToggleLike(context.Background()))
		inserts, deletes := b.store.calls()
		assert.Zero(t, inserts)
		assert.Zero(t, deletes)
		assert.False(t, e.State().Mine)
	}
}

func TestTimedOutWriteIsNotRolledBack(t *testing.T) {
	b := newBackend()
	b.store.set(func(f *flakyStore) { f.commitThenErr = true })

	e := newTestLikes(b.store, alice, WithOpTimeout(30*time.Millisecond))
	require.NoError(t, e.ToggleLike(context.Background()))
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, e.State())
}

func TestFailedReadKeepsState(t *testing.T) {
	b := newBackend()
	seeded := types.EngagementState{Count: 5, Mine: true, Ready: true}
	e := newTestLikes(b.store, alice, WithInitialLikes(seeded))

	b.store.set(func(f *flakyStore) { f.countErr = errors.New("timeout") })
	require.Error(t, e.Reconcile(context.Background()))
	assert.Equal(t, seeded, e.State())
}

func TestOlderReadIsDiscarded(t *testing.T) {
	b := newBackend()
	gate, stalled := make(chan struct{}), make(chan struct{})
	b.store.set(func(f *flakyStore) {
		f.countGate = gate
		f.countStalled = stalled
	})
	e := newTestLikes(b.store, alice)

	// The first read observes zero likes, then stalls.
	slow := make(chan error, 1)
	go func() { slow <- e.Reconcile(context.Background()) }()
	<-stalled

	seedLike(t, b.store, session, bob)
	require.NoError(t, e.Reconcile(context.Background()))
	assert.Equal(t, 1, e.State().Count)

	close(gate)
	require.NoError(t, <-slow)
	assert.Equal(t, 1, e.State().Count)
}

func TestPushedChangesAreDeduplicated(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice)

	insert := types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Inserted{Record: 42, Actor: bob}}
	e.core.apply(insert)
	e.core.apply(insert)
	assert.Equal(t, 1, e.State().Count)

	// The same record id as a delete is a distinct event.
	remove := types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Deleted{Record: 42, Actor: bob}}
	for i := 0; i < 3; i++ {
		e.core.apply(remove)
	}
	assert.Equal(t, 0, e.State().Count)
}

func TestPushedDeletesNeverGoNegative(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice)

	for i := 1; i <= 5; i++ {
		e.core.apply(types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Deleted{Record: types.RecordID(i)}})
		assert.GreaterOrEqual(t, e.State().Count, 0)
	}
	assert.Equal(t, 0, e.State().Count)
}

func TestPushedChangesFromOtherActorsKeepMine(t *testing.T) {
	b := newBackend()
	e := newTestLikes(b.store, alice)

	e.core.apply(types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Inserted{Record: 1, Actor: bob}})
	assert.False(t, e.State().Mine)

	e.core.apply(types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Inserted{Record: 2, Actor: alice}})
	assert.True(t, e.State().Mine)
	assert.Equal(t, 2, e.State().Count)

	e.core.apply(types.ChangeEvent{Topic: types.TopicLikes, Entity: session, Change: types.Deleted{Record: 1, Actor: bob}})
	assert.True(t, e.State().Mine)

	// Events for another entity are not ours.
	e.core.apply(types.ChangeEvent{Topic: types.TopicLikes, Entity: "session-2", Change: types.Inserted{Record: 3, Actor: bob}})
	assert.Equal(t, 1, e.State().Count)
}
