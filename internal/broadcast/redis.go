package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/types"
)

const defaultTopicPrefix = "engage:"

var (
	hintLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "hint_delivery_seconds",
		Help:      "Observed latency between sending a peer hint and receiving it.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"topic"})

	hintsSelfSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "hints_self_skipped_total",
		Help:      "Hints dropped because they were sent by the receiving channel.",
	})
)

func init() {
	prometheus.MustRegister(hintLatency, hintsSelfSkipped)
}

// RedisHub hands out peer channels backed by Redis Pub/Sub. Nothing is
// persisted; a peer that is not subscribed at publish time misses the hint.
type RedisHub struct {
	client *redis.Client
	logger zerolog.Logger

	topicPrefix string
}

// HubOption configures a RedisHub.
type HubOption func(*RedisHub)

// WithTopicPrefix overrides the Redis channel prefix.
func WithTopicPrefix(prefix string) HubOption {
	return func(h *RedisHub) {
		if prefix != "" {
			h.topicPrefix = prefix
		}
	}
}

// NewRedisHub constructs a hub on top of the redis client.
func NewRedisHub(client *redis.Client, logger zerolog.Logger, opts ...HubOption) *RedisHub {
	h := &RedisHub{
		client:      client,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join subscribes to the channel for one entity and topic. The subscription
// is confirmed before Join returns.
func (h *RedisHub) Join(ctx context.Context, topic types.Topic, entity types.EntityID) (Channel, error) {
	if h == nil || h.client == nil {
		return nil, errors.New("nil broadcaster")
	}
	if entity == "" {
		return nil, errors.New("entity id is required")
	}

	name := h.channelName(topic, entity)
	pubsub := h.client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	c := &redisChannel{
		id:     uuid.NewString(),
		name:   name,
		topic:  topic,
		entity: entity,
		client: h.client,
		pubsub: pubsub,
	}
	c.logger = h.logger.With().Str("channel", name).Str("sender", c.id).Logger()

	c.wg.Add(1)
	go c.consume()
	return c, nil
}

func (h *RedisHub) channelName(topic types.Topic, entity types.EntityID) string {
	return fmt.Sprintf("%s%s:%s", h.topicPrefix, topic, entity)
}

type redisChannel struct {
	id     string
	name   string
	topic  types.Topic
	entity types.EntityID
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger

	handlers  handlerSet
	wg        sync.WaitGroup
	leaveOnce sync.Once
	leaveErr  error
}

// Send publishes once; there is no retry and no delivery guarantee.
func (c *redisChannel) Send(ctx context.Context, hint Hint) error {
	hint.Topic = c.topic
	hint.Entity = c.entity
	hint.Sender = c.id
	hint.SentAt = time.Now()

	data, err := encodeHint(hint)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.name, data).Err()
}

func (c *redisChannel) OnMessage(handler func(Hint)) func() {
	return c.handlers.add(handler)
}

func (c *redisChannel) Leave() error {
	c.leaveOnce.Do(func() {
		c.leaveErr = c.pubsub.Close()
		c.wg.Wait()
	})
	return c.leaveErr
}

func (c *redisChannel) consume() {
	defer c.wg.Done()

	for msg := range c.pubsub.Channel(redis.WithChannelSize(64)) {
		if err := c.process(msg.Payload); err != nil {
			c.logger.Warn().Err(err).Msg("failed to process peer hint")
		}
	}
}

func (c *redisChannel) process(payload string) error {
	hint, err := decodeHint([]byte(payload))
	if err != nil {
		return err
	}
	if hint.Sender == c.id {
		hintsSelfSkipped.Inc()
		return nil
	}
	if !hint.SentAt.IsZero() {
		hintLatency.WithLabelValues(string(c.topic)).Observe(time.Since(hint.SentAt).Seconds())
	}
	c.logger.Debug().
		Str("from", hint.Sender).
		Int("delta", hint.Delta).
		Int64("record", int64(hint.Record)).
		Msg("peer hint received")
	c.handlers.deliver(hint)
	return nil
}
