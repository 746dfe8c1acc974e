package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/workout-engagement/internal/types"
)

// Publisher receives row changes committed by MemoryStore, standing in for
// the database triggers.
type Publisher interface {
	Publish(types.ChangeEvent)
}

// MemoryStore is an in-process store with the same contract as Store. It is
// used by the memory backend and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    types.RecordID
	likes     map[types.EntityID]map[types.ActorID]types.RecordID
	comments  map[types.EntityID][]types.Comment
	publisher Publisher
	now       func() time.Time
}

// NewMemoryStore creates an empty store. publisher may be nil.
func NewMemoryStore(publisher Publisher) *MemoryStore {
	return &MemoryStore{
		likes:     make(map[types.EntityID]map[types.ActorID]types.RecordID),
		comments:  make(map[types.EntityID][]types.Comment),
		publisher: publisher,
		now:       time.Now,
	}
}

// CountLikes implements the exact like count read.
func (m *MemoryStore) CountLikes(_ context.Context, entity types.EntityID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.likes[entity]), nil
}

// HasLiked implements the membership read.
func (m *MemoryStore) HasLiked(_ context.Context, entity types.EntityID, actor types.ActorID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.likes[entity][actor]
	return ok, nil
}

// InsertLike adds the authenticated actor's like.
func (m *MemoryStore) InsertLike(ctx context.Context, entity types.EntityID) (types.RecordID, error) {
	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	members := m.likes[entity]
	if members == nil {
		members = make(map[types.ActorID]types.RecordID)
		m.likes[entity] = members
	}
	if _, ok := members[actor]; ok {
		m.mu.Unlock()
		return 0, types.ErrDuplicate
	}
	m.nextID++
	id := m.nextID
	members[actor] = id
	m.mu.Unlock()

	m.publish(types.TopicLikes, entity, types.Inserted{Record: id, Actor: actor})
	return id, nil
}

// DeleteLike removes the authenticated actor's like.
func (m *MemoryStore) DeleteLike(ctx context.Context, entity types.EntityID) (types.RecordID, error) {
	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id, ok := m.likes[entity][actor]
	if !ok {
		m.mu.Unlock()
		return 0, types.ErrNotFound
	}
	delete(m.likes[entity], actor)
	m.mu.Unlock()

	m.publish(types.TopicLikes, entity, types.Deleted{Record: id, Actor: actor})
	return id, nil
}

// CountComments implements the exact comment count read.
func (m *MemoryStore) CountComments(_ context.Context, entity types.EntityID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.comments[entity]), nil
}

// ListComments returns a page of comments, most recent first.
func (m *MemoryStore) ListComments(_ context.Context, entity types.EntityID, limit, offset int) ([]types.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.comments[entity]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]types.Comment, end-offset)
	copy(page, all[offset:end])
	return page, nil
}

// InsertComment stores a comment by the authenticated actor.
func (m *MemoryStore) InsertComment(ctx context.Context, entity types.EntityID, body string) (types.Comment, error) {
	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return types.Comment{}, err
	}

	m.mu.Lock()
	m.nextID++
	comment := types.Comment{
		ID:        m.nextID,
		Entity:    entity,
		Actor:     actor,
		Body:      body,
		CreatedAt: m.now().UTC(),
	}
	all := append(m.comments[entity], comment)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	m.comments[entity] = all
	m.mu.Unlock()

	m.publish(types.TopicComments, entity, types.Inserted{Record: comment.ID, Actor: actor})
	return comment, nil
}

// DeleteComment removes one of the authenticated actor's comments.
func (m *MemoryStore) DeleteComment(ctx context.Context, entity types.EntityID, id types.RecordID) (types.RecordID, error) {
	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	all := m.comments[entity]
	idx := -1
	for i, c := range all {
		if c.ID == id && c.Actor == actor {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return 0, types.ErrNotFound
	}
	m.comments[entity] = append(all[:idx], all[idx+1:]...)
	m.mu.Unlock()

	m.publish(types.TopicComments, entity, types.Deleted{Record: id, Actor: actor})
	return id, nil
}

func (m *MemoryStore) publish(topic types.Topic, entity types.EntityID, change types.Change) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(types.ChangeEvent{Topic: topic, Entity: entity, Change: change})
}
