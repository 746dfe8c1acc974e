package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/workout-engagement/internal/types"
)

// Hint is a best-effort notice that an entity's engagement changed. Receivers
// must not apply Delta; it only tells them an exact re-read is worthwhile.
type Hint struct {
	Topic  types.Topic
	Entity types.EntityID
	Sender string
	Delta  int
	Record types.RecordID
	SentAt time.Time
}

// Channel is an entity-scoped peer channel joined by one mounted view. A
// sender never receives its own hints.
type Channel interface {
	Send(ctx context.Context, hint Hint) error
	OnMessage(handler func(Hint)) func()
	Leave() error
}

type envelope struct {
	Topic      string `json:"topic"`
	Entity     string `json:"entity"`
	Sender     string `json:"sender"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func encodeHint(h Hint) ([]byte, error) {
	body, err := structpb.NewStruct(map[string]any{
		"delta":     h.Delta,
		"record_id": int64(h.Record),
	})
	if err != nil {
		return nil, fmt.Errorf("build hint payload: %w", err)
	}
	payload, err := proto.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal hint payload: %w", err)
	}

	sentAt := h.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return json.Marshal(envelope{
		Topic:      string(h.Topic),
		Entity:     string(h.Entity),
		Sender:     h.Sender,
		Payload:    payload,
		EnqueuedAt: sentAt.UTC().UnixNano(),
	})
}

func decodeHint(data []byte) (Hint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Hint{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Entity == "" || env.Sender == "" {
		return Hint{}, errors.New("incomplete envelope")
	}

	hint := Hint{
		Topic:  types.Topic(env.Topic),
		Entity: types.EntityID(env.Entity),
		Sender: env.Sender,
	}
	if env.EnqueuedAt > 0 {
		hint.SentAt = time.Unix(0, env.EnqueuedAt)
	}

	// The payload is informational; a peer that cannot decode it still
	// delivers the hint.
	var body structpb.Struct
	if err := proto.Unmarshal(env.Payload, &body); err == nil {
		hint.Delta = int(body.GetFields()["delta"].GetNumberValue())
		hint.Record = types.RecordID(body.GetFields()["record_id"].GetNumberValue())
	}
	return hint, nil
}

// handlerSet is the OnMessage registry shared by channel implementations.
type handlerSet struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Hint)
}

func (s *handlerSet) add(handler func(Hint)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]func(Hint))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *handlerSet) deliver(h Hint) {
	s.mu.RLock()
	recipients := make([]func(Hint), 0, len(s.handlers))
	for _, fn := range s.handlers {
		recipients = append(recipients, fn)
	}
	s.mu.RUnlock()

	for _, fn := range recipients {
		fn(h)
	}
}
