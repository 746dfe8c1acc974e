package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/bus"
	"github.com/example/workout-engagement/internal/types"
)

// CommentList holds the loaded comments for one entity, most recent first.
// Every item carries a locally assigned Key that stays stable from the
// optimistic insert through confirmation.
type CommentList struct {
	entity    types.EntityID
	actor     types.ActorID
	store     CommentStore
	events    *bus.Bus
	pageSize  int
	opTimeout time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	items    []types.Comment
	keys     map[types.RecordID]int64
	removing map[types.RecordID]struct{}
	nextKey  int64
	ready    bool
	hasMore  bool

	observers observerSet
}

func newCommentList(store CommentStore, events *bus.Bus, entity types.EntityID, actor types.ActorID, s settings, logger zerolog.Logger) *CommentList {
	return &CommentList{
		entity:    entity,
		actor:     actor,
		store:     store,
		events:    events,
		pageSize:  s.pageSize,
		opTimeout: s.opTimeout,
		logger:    logger.With().Str("topic", "comment_list").Str("entity", string(entity)).Logger(),
		now:       time.Now,
		keys:      make(map[types.RecordID]int64),
		removing:  make(map[types.RecordID]struct{}),
	}
}

// Items returns a copy of the loaded comments.
func (l *CommentList) Items() []types.Comment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Comment, len(l.items))
	copy(out, l.items)
	return out
}

// Ready reports whether the first page has been loaded.
func (l *CommentList) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// HasMore reports whether the last fetched page was full.
func (l *CommentList) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// OnChange registers fn to run after every list change.
func (l *CommentList) OnChange(fn func()) func() {
	return l.observers.add(fn)
}

// Refresh replaces the confirmed items with the first page. Pending items
// stay on top. A failed read leaves the list unchanged.
func (l *CommentList) Refresh(ctx context.Context) error {
	page, err := l.fetch(ctx, 0)
	if err != nil {
		return err
	}

	l.mu.Lock()
	items := make([]types.Comment, 0, len(page)+1)
	for _, item := range l.items {
		if item.Pending {
			items = append(items, item)
		}
	}
	l.items = l.merge(items, page)
	l.ready = true
	l.hasMore = len(page) >= l.pageSize
	l.mu.Unlock()

	l.observers.notify()
	return nil
}

// Sync merges the first page into the loaded items. Loaded rows older than
// the last row of a full first page are kept, so pages fetched with LoadMore
// survive. Rows inside the first page window that the store no longer
// returns are dropped.
func (l *CommentList) Sync(ctx context.Context) error {
	page, err := l.fetch(ctx, 0)
	if err != nil {
		return err
	}
	full := len(page) >= l.pageSize

	l.mu.Lock()
	items := make([]types.Comment, 0, len(l.items)+len(page))
	for _, item := range l.items {
		if item.Pending {
			items = append(items, item)
		}
	}
	items = l.merge(items, page)

	kept := 0
	if full {
		last := page[len(page)-1]
		inPage := make(map[types.RecordID]struct{}, len(page))
		for _, item := range page {
			inPage[item.ID] = struct{}{}
		}
		for _, item := range l.items {
			if item.Pending {
				continue
			}
			if _, ok := inPage[item.ID]; ok || !sortsAfter(item, last) {
				continue
			}
			items = append(items, item)
			kept++
		}
	}

	l.items = items
	l.ready = true
	if kept == 0 {
		l.hasMore = full
	}
	l.mu.Unlock()

	l.observers.notify()
	return nil
}

// sortsAfter reports whether a comes after b in most-recent-first order.
func sortsAfter(a, b types.Comment) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// LoadMore appends the next page after the confirmed items.
func (l *CommentList) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	offset := 0
	for _, item := range l.items {
		if !item.Pending {
			offset++
		}
	}
	l.mu.Unlock()

	page, err := l.fetch(ctx, offset)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.items = l.merge(l.items, page)
	l.hasMore = len(page) >= l.pageSize
	l.mu.Unlock()

	l.observers.notify()
	return nil
}

// Add posts a comment as the local actor. The comment is shown as pending at
// the top of the list until the write completes.
func (l *CommentList) Add(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyComment
	}
	if !l.actor.Valid() {
		return types.ErrNoActor
	}

	l.mu.Lock()
	l.nextKey++
	pending := types.Comment{
		Key:       l.nextKey,
		Entity:    l.entity,
		Actor:     l.actor,
		Body:      body,
		CreatedAt: l.now().UTC(),
		Pending:   true,
	}
	l.items = append([]types.Comment{pending}, l.items...)
	l.mu.Unlock()
	l.observers.notify()

	writeCtx, cancel := context.WithTimeout(types.WithActor(ctx, l.actor), l.opTimeout)
	created, err := l.store.InsertComment(writeCtx, l.entity, body)
	cancel()

	if err != nil {
		l.dropPending(pending.Key)
		if unknownOutcome(err) {
			mutations.WithLabelValues("add_comment", "unknown").Inc()
			l.logger.Warn().Err(err).Msg("comment write outcome unknown, refreshing")
			l.softRefresh(ctx)
			return nil
		}
		mutations.WithLabelValues("add_comment", "failed").Inc()
		rollbacks.WithLabelValues("add_comment").Inc()
		l.logger.Warn().Err(err).Msg("comment write failed, rolled back")
		l.softRefresh(ctx)
		return fmt.Errorf("%w: %w", ErrMutationFailed, err)
	}

	mutations.WithLabelValues("add_comment", "ok").Inc()
	l.confirm(pending.Key, created)
	l.events.Emit(l.entity, created.ID, 1)
	return nil
}

// Remove deletes one of the local actor's confirmed comments.
func (l *CommentList) Remove(ctx context.Context, id types.RecordID) error {
	l.mu.Lock()
	idx := l.indexOf(id)
	if idx < 0 || l.items[idx].Pending || l.items[idx].Actor != l.actor {
		l.mu.Unlock()
		return ErrUnknownComment
	}
	removed := l.items[idx]
	l.items = append(l.items[:idx:idx], l.items[idx+1:]...)
	l.removing[id] = struct{}{}
	l.mu.Unlock()
	l.observers.notify()

	writeCtx, cancel := context.WithTimeout(types.WithActor(ctx, l.actor), l.opTimeout)
	_, err := l.store.DeleteComment(writeCtx, l.entity, id)
	cancel()

	l.mu.Lock()
	delete(l.removing, id)
	l.mu.Unlock()

	switch {
	case err == nil:
		mutations.WithLabelValues("remove_comment", "ok").Inc()
		l.events.Emit(l.entity, id, -1)
		return nil
	case errors.Is(err, types.ErrNotFound):
		// Already gone; the counter's delete registry absorbs the repeat
		// if the pushed delete got there first.
		mutations.WithLabelValues("remove_comment", "stale").Inc()
		l.events.Emit(l.entity, id, -1)
		return nil
	case unknownOutcome(err):
		mutations.WithLabelValues("remove_comment", "unknown").Inc()
		l.logger.Warn().Err(err).Msg("comment delete outcome unknown, refreshing")
		l.softRefresh(ctx)
		return nil
	default:
		mutations.WithLabelValues("remove_comment", "failed").Inc()
		rollbacks.WithLabelValues("remove_comment").Inc()
		l.restore(idx, removed)
		l.logger.Warn().Err(err).Msg("comment delete failed, rolled back")
		l.softRefresh(ctx)
		return fmt.Errorf("%w: %w", ErrMutationFailed, err)
	}
}

func (l *CommentList) fetch(ctx context.Context, offset int) ([]types.Comment, error) {
	readCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	page, err := l.store.ListComments(readCtx, l.entity, l.pageSize, offset)
	if err != nil {
		l.logger.Debug().Err(err).Int("offset", offset).Msg("comment page read failed")
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return page, nil
}

func (l *CommentList) softRefresh(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil {
		l.logger.Debug().Err(err).Msg("self-heal refresh failed")
	}
}

// merge appends page to items, skipping records already present or being
// removed, and assigns keys. Callers hold mu.
func (l *CommentList) merge(items []types.Comment, page []types.Comment) []types.Comment {
	present := make(map[types.RecordID]struct{}, len(items))
	for _, item := range items {
		if !item.Pending {
			present[item.ID] = struct{}{}
		}
	}
	for _, item := range page {
		if _, ok := present[item.ID]; ok {
			continue
		}
		if _, ok := l.removing[item.ID]; ok {
			continue
		}
		item.Key = l.keyFor(item.ID)
		item.Pending = false
		items = append(items, item)
		present[item.ID] = struct{}{}
	}
	return items
}

func (l *CommentList) keyFor(id types.RecordID) int64 {
	if key, ok := l.keys[id]; ok {
		return key
	}
	l.nextKey++
	l.keys[id] = l.nextKey
	return l.nextKey
}

func (l *CommentList) indexOf(id types.RecordID) int {
	for i, item := range l.items {
		if !item.Pending && item.ID == id {
			return i
		}
	}
	return -1
}

func (l *CommentList) pendingIndex(key int64) int {
	for i, item := range l.items {
		if item.Pending && item.Key == key {
			return i
		}
	}
	return -1
}

func (l *CommentList) dropPending(key int64) {
	l.mu.Lock()
	if idx := l.pendingIndex(key); idx >= 0 {
		l.items = append(l.items[:idx:idx], l.items[idx+1:]...)
	}
	l.mu.Unlock()
	l.observers.notify()
}

// confirm swaps the pending item for the stored row, keeping its key. If a
// refresh already brought the row in, the pending copy is dropped instead.
func (l *CommentList) confirm(key int64, created types.Comment) {
	l.mu.Lock()
	idx := l.pendingIndex(key)
	switch {
	case idx < 0:
	case l.indexOf(created.ID) >= 0:
		l.items = append(l.items[:idx:idx], l.items[idx+1:]...)
	default:
		created.Key = key
		created.Pending = false
		l.keys[created.ID] = key
		l.items[idx] = created
	}
	l.mu.Unlock()
	l.observers.notify()
}

func (l *CommentList) restore(idx int, item types.Comment) {
	l.mu.Lock()
	if l.indexOf(item.ID) < 0 {
		idx = min(idx, len(l.items))
		l.items = append(l.items[:idx:idx], append([]types.Comment{item}, l.items[idx:]...)...)
	}
	l.mu.Unlock()
	l.observers.notify()
}
