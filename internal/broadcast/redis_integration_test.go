//go:build integration_test || all_tests

package broadcast

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workout-engagement/internal/types"
)

func testRedisHub(t *testing.T) *RedisHub {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	return NewRedisHub(client, zerolog.New(io.Discard), WithTopicPrefix("engage-it:"))
}

func TestRedisHub_PeersReceiveButSenderDoesNot(t *testing.T) {
	hub := testRedisHub(t)
	ctx := context.Background()
	entity := types.EntityID("it-" + uuid.NewString())

	sender, err := hub.Join(ctx, types.TopicLikes, entity)
	require.NoError(t, err)
	defer sender.Leave()
	peer, err := hub.Join(ctx, types.TopicLikes, entity)
	require.NoError(t, err)
	defer peer.Leave()

	own := make(chan Hint, 1)
	sender.OnMessage(func(h Hint) { own <- h })
	got := make(chan Hint, 1)
	peer.OnMessage(func(h Hint) { got <- h })

	require.NoError(t, sender.Send(ctx, Hint{Delta: 1, Record: 7}))

	select {
	case h := <-got:
		assert.Equal(t, entity, h.Entity)
		assert.Equal(t, 1, h.Delta)
		assert.Equal(t, types.RecordID(7), h.Record)
	case <-time.After(3 * time.Second):
		t.Fatal("peer did not receive hint")
	}

	select {
	case <-own:
		t.Fatal("sender received its own hint")
	case <-time.After(200 * time.Millisecond):
	}
}
