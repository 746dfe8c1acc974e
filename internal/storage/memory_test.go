package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workout-engagement/internal/types"
)

const (
	alice = types.ActorID("0b7a4c57-2d55-4a8c-8f0e-1f7f3a9d2c01")
	bob   = types.ActorID("5e1d9c3a-7b2f-4e61-a0d4-92c8b1f6e702")
)

type recordingPublisher struct {
	events []types.ChangeEvent
}

func (p *recordingPublisher) Publish(evt types.ChangeEvent) {
	p.events = append(p.events, evt)
}

func TestMemoryStoreLikes(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewMemoryStore(pub)
	ctx := types.WithActor(context.Background(), alice)

	id, err := store.InsertLike(ctx, "session-1")
	require.NoError(t, err)

	_, err = store.InsertLike(ctx, "session-1")
	require.ErrorIs(t, err, types.ErrDuplicate)

	count, err := store.CountLikes(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	liked, err := store.HasLiked(ctx, "session-1", alice)
	require.NoError(t, err)
	assert.True(t, liked)

	liked, err = store.HasLiked(ctx, "session-1", bob)
	require.NoError(t, err)
	assert.False(t, liked)

	_, err = store.DeleteLike(types.WithActor(context.Background(), bob), "session-1")
	require.ErrorIs(t, err, types.ErrNotFound)

	deleted, err := store.DeleteLike(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, id, deleted)

	require.Len(t, pub.events, 2)
	assert.Equal(t, types.Inserted{Record: id, Actor: alice}, pub.events[0].Change)
	assert.Equal(t, types.Deleted{Record: id, Actor: alice}, pub.events[1].Change)
	assert.Equal(t, types.TopicLikes, pub.events[1].Topic)
}

func TestMemoryStoreRequiresActor(t *testing.T) {
	store := NewMemoryStore(nil)

	_, err := store.InsertLike(context.Background(), "session-1")
	require.ErrorIs(t, err, types.ErrNoActor)

	_, err = store.InsertComment(context.Background(), "session-1", "nice")
	require.ErrorIs(t, err, types.ErrNoActor)
}

func TestMemoryStoreCommentsMostRecentFirst(t *testing.T) {
	store := NewMemoryStore(nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	ctx := types.WithActor(context.Background(), alice)
	for _, body := range []string{"first", "second", "third"} {
		_, err := store.InsertComment(ctx, "session-1", body)
		require.NoError(t, err)
	}

	page, err := store.ListComments(ctx, "session-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "third", page[0].Body)
	assert.Equal(t, "second", page[1].Body)

	page, err = store.ListComments(ctx, "session-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "first", page[0].Body)

	_, err = store.DeleteComment(types.WithActor(context.Background(), bob), "session-1", page[0].ID)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.DeleteComment(ctx, "session-1", page[0].ID)
	require.NoError(t, err)

	count, err := store.CountComments(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
