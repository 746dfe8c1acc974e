package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workout-engagement/internal/broadcast"
	"github.com/example/workout-engagement/internal/notify"
	"github.com/example/workout-engagement/internal/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type downFeed struct{}

func (downFeed) Subscribe(types.Topic, types.EntityID, notify.Handler) (func(), error) {
	return nil, errors.New("listener down")
}

type downPeers struct{}

func (downPeers) Join(context.Context, types.Topic, types.EntityID) (broadcast.Channel, error) {
	return nil, errors.New("redis down")
}

func TestMountValidates(t *testing.T) {
	b := newBackend()

	_, err := Mount(context.Background(), Deps{Logger: quiet}, session, alice)
	require.Error(t, err)

	_, err = Mount(context.Background(), b.deps(), "", alice)
	require.Error(t, err)
}

func TestMountLoadsGroundTruth(t *testing.T) {
	b := newBackend()
	seedLike(t, b.store, session, bob)
	seedLike(t, b.store, session, carol)
	seedLike(t, b.store, session, alice)
	seedComment(t, b.store, session, bob, "nice")
	seedComment(t, b.store, session, carol, "wow")

	v := mountView(t, b.deps(), session, alice)

	require.Eventually(t, func() bool {
		snap := v.Snapshot()
		return snap.Likes == types.EngagementState{Count: 3, Mine: true, Ready: true} &&
			snap.Comments == types.EngagementState{Count: 2, Ready: true} &&
			len(snap.Items) == 2
	}, waitFor, tick)
}

func TestTwoTabsConverge(t *testing.T) {
	b := newBackend()
	tab1 := mountView(t, b.deps(), session, alice)
	tab2 := mountView(t, b.deps(), session, bob)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return tab1.Likes().State().Ready && tab2.Likes().State().Ready
	}, waitFor, tick)

	require.NoError(t, tab1.ToggleLike(ctx))
	assert.Equal(t, types.EngagementState{Count: 1, Mine: true, Ready: true}, tab1.Likes().State())
	require.Eventually(t, func() bool {
		return tab2.Likes().State() == types.EngagementState{Count: 1, Mine: false, Ready: true}
	}, waitFor, tick)

	require.NoError(t, tab2.AddComment(ctx, "see you at the track"))
	require.Eventually(t, func() bool {
		snap := tab1.Snapshot()
		return snap.Comments.Count == 1 && len(snap.Items) == 1 && snap.Items[0].Actor == bob
	}, waitFor, tick)
}

func TestTabsConvergeWithoutPushOrPeers(t *testing.T) {
	b := newBackend()
	deps := Deps{Likes: b.store, Comments: b.store, Logger: quiet}

	tab1 := mountView(t, deps, session, alice, WithReconcileInterval(20*time.Millisecond))
	tab2 := mountView(t, deps, session, bob, WithReconcileInterval(20*time.Millisecond))

	require.NoError(t, tab1.ToggleLike(context.Background()))
	seedLike(t, b.store, session, carol)

	require.Eventually(t, func() bool {
		return tab2.Likes().State() == types.EngagementState{Count: 2, Ready: true} &&
			tab1.Likes().State() == types.EngagementState{Count: 2, Mine: true, Ready: true}
	}, waitFor, tick)
}

func TestUnavailableTransportsDegradeToPolling(t *testing.T) {
	b := newBackend()
	deps := Deps{Likes: b.store, Comments: b.store, Feed: downFeed{}, Peers: downPeers{}, Logger: quiet}

	v := mountView(t, deps, session, alice, WithReconcileInterval(20*time.Millisecond))
	seedLike(t, b.store, session, bob)

	require.Eventually(t, func() bool {
		return v.Likes().State().Count == 1
	}, waitFor, tick)
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	b := newBackend()
	v, err := Mount(context.Background(), b.deps(), session, alice)
	require.NoError(t, err)

	assert.Equal(t, 1, b.feed.Subscribers(types.TopicLikes, session))
	assert.Equal(t, 1, b.feed.Subscribers(types.TopicComments, session))
	assert.Equal(t, 1, b.hub.Members(types.TopicLikes, session))
	assert.Equal(t, 1, b.hub.Members(types.TopicComments, session))

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	assert.Zero(t, b.feed.Subscribers(types.TopicLikes, session))
	assert.Zero(t, b.feed.Subscribers(types.TopicComments, session))
	assert.Zero(t, b.hub.Members(types.TopicLikes, session))
	assert.Zero(t, b.hub.Members(types.TopicComments, session))

	require.ErrorIs(t, v.ToggleLike(context.Background()), ErrViewClosed)
	require.ErrorIs(t, v.AddComment(context.Background(), "late"), ErrViewClosed)
	require.ErrorIs(t, v.Retarget(context.Background(), "session-2"), ErrViewClosed)
	assert.Equal(t, Snapshot{}, v.Snapshot())
}

func TestRetargetMovesSubscriptions(t *testing.T) {
	b := newBackend()
	const next = types.EntityID("session-2")
	seedLike(t, b.store, next, bob)

	v := mountView(t, b.deps(), session, alice, WithInitialLikes(types.EngagementState{Count: 9, Ready: true}))

	require.NoError(t, v.Retarget(context.Background(), next))
	assert.Equal(t, next, v.Entity())
	assert.Zero(t, b.feed.Subscribers(types.TopicLikes, session))
	assert.Equal(t, 1, b.feed.Subscribers(types.TopicLikes, next))
	assert.Zero(t, b.hub.Members(types.TopicComments, session))

	require.Eventually(t, func() bool {
		return v.Likes().State() == types.EngagementState{Count: 1, Ready: true}
	}, waitFor, tick)

	require.NoError(t, v.Retarget(context.Background(), next))
	require.Error(t, v.Retarget(context.Background(), ""))
}

func TestSeedsHoldUntilFirstRead(t *testing.T) {
	b := newBackend()
	b.store.set(func(f *flakyStore) { f.countErr = errors.New("store unavailable") })
	seeded := types.EngagementState{Count: 7, Mine: true, Ready: true}

	v := mountView(t, b.deps(), session, alice, WithInitialLikes(seeded))
	assert.Equal(t, seeded, v.Likes().State())

	counter := newCommentCounter(b.store, nil, session, testSettings(WithInitialComments(3)), quiet)
	assert.Equal(t, types.EngagementState{Count: 3}, counter.State())
}

func TestLoadedPagesSurviveNewComments(t *testing.T) {
	b := newBackend()
	var seeded []types.RecordID
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		seeded = append(seeded, seedComment(t, b.store, session, bob, body).ID)
	}

	v := mountView(t, b.deps(), session, alice, WithPageSize(2))
	ctx := context.Background()

	require.Eventually(t, func() bool {
		snap := v.Snapshot()
		return snap.Comments.Ready && len(snap.Items) == 2
	}, waitFor, tick)
	require.NoError(t, v.LoadMore(ctx))
	require.NoError(t, v.LoadMore(ctx))
	require.Len(t, v.Snapshot().Items, 5)

	fresh := seedComment(t, b.store, session, carol, "late to the party")

	require.Eventually(t, func() bool {
		snap := v.Snapshot()
		return snap.Comments.Count == 6 && len(snap.Items) == 6 && snap.Items[0].ID == fresh.ID
	}, waitFor, tick)
	snap := v.Snapshot()
	assert.Equal(t, []types.RecordID{fresh.ID, seeded[4], seeded[3], seeded[2], seeded[1], seeded[0]}, ids(snap.Items))
	assert.False(t, snap.HasMore)
}
