package engagement

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/example/workout-engagement/internal/bus"
	"github.com/example/workout-engagement/internal/types"
)

// Snapshot is a point-in-time copy of everything a View holds.
type Snapshot struct {
	Entity   types.EntityID
	Likes    types.EngagementState
	Comments types.EngagementState
	Items    []types.Comment
	HasMore  bool
}

// View is the engagement state for one mounted entity: the like engine, the
// comment counter and the comment list, sharing one bus. All subscriptions,
// peer channels and timers live exactly as long as the View.
type View struct {
	deps     Deps
	actor    types.ActorID
	settings settings
	logger   zerolog.Logger

	mu     sync.RWMutex
	cur    *mounted
	closed bool

	observers observerSet
}

// mounted is one entity's set of engines.
type mounted struct {
	entity  types.EntityID
	events  *bus.Bus
	likes   *LikeEngine
	counter *CommentCounter
	list    *CommentList
	logger  zerolog.Logger

	releases []func()
	refresh  chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Mount creates a View for entity as seen by actor. An invalid actor still
// gets read-only state; toggles become no-ops.
func Mount(ctx context.Context, deps Deps, entity types.EntityID, actor types.ActorID, opts ...Option) (*View, error) {
	if deps.Likes == nil || deps.Comments == nil {
		return nil, errors.New("like and comment stores are required")
	}
	if entity == "" {
		return nil, errors.New("entity id is required")
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	v := &View{
		deps:     deps,
		actor:    actor,
		settings: s,
		logger:   deps.Logger.With().Str("actor", string(actor)).Logger(),
	}
	v.cur = v.mount(ctx, entity, s)
	return v, nil
}

func (v *View) mount(ctx context.Context, entity types.EntityID, s settings) *mounted {
	events := bus.New()
	m := &mounted{
		entity:  entity,
		events:  events,
		likes:   newLikeEngine(v.deps.Likes, entity, v.actor, s, v.logger),
		counter: newCommentCounter(v.deps.Comments, events, entity, s, v.logger),
		list:    newCommentList(v.deps.Comments, events, entity, v.actor, s, v.logger),
		logger:  v.logger.With().Str("entity", string(entity)).Logger(),
		refresh: make(chan struct{}, 1),
	}

	m.releases = append(m.releases,
		m.likes.OnChange(v.observers.notify),
		m.counter.OnChange(func() {
			m.requestRefresh()
			v.observers.notify()
		}),
		m.list.OnChange(v.observers.notify),
	)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.likes.core.start(runCtx, v.deps.Feed, v.deps.Peers)
	m.counter.core.start(runCtx, v.deps.Feed, v.deps.Peers)

	m.wg.Add(1)
	go m.follow(runCtx)
	m.requestRefresh()
	return m
}

// follow keeps the first comment page in step with the counter without
// dropping pages loaded further down.
func (m *mounted) follow(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.refresh:
			if err := m.list.Sync(ctx); err != nil {
				m.logger.Debug().Err(err).Msg("comment list refresh failed")
			}
		}
	}
}

func (m *mounted) requestRefresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

func (m *mounted) close() error {
	for _, release := range m.releases {
		release()
	}
	m.releases = nil

	m.cancel()
	m.wg.Wait()

	return multierr.Combine(m.likes.core.close(), m.counter.close())
}

func (v *View) current() (*mounted, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrViewClosed
	}
	return v.cur, nil
}

// Entity returns the mounted entity id.
func (v *View) Entity() types.EntityID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cur == nil {
		return ""
	}
	return v.cur.entity
}

// Likes returns the like engine of the current entity.
func (v *View) Likes() *LikeEngine {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cur == nil {
		return nil
	}
	return v.cur.likes
}

// CommentCount returns the comment counter of the current entity.
func (v *View) CommentCount() *CommentCounter {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cur == nil {
		return nil
	}
	return v.cur.counter
}

// Comments returns the comment list of the current entity.
func (v *View) Comments() *CommentList {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cur == nil {
		return nil
	}
	return v.cur.list
}

// OnChange registers fn to run after any engine of the View changes. It
// survives Retarget.
func (v *View) OnChange(fn func()) func() {
	return v.observers.add(fn)
}

// Snapshot returns the current state of every engine.
func (v *View) Snapshot() Snapshot {
	m, err := v.current()
	if err != nil {
		return Snapshot{}
	}
	return Snapshot{
		Entity:   m.entity,
		Likes:    m.likes.State(),
		Comments: m.counter.State(),
		Items:    m.list.Items(),
		HasMore:  m.list.HasMore(),
	}
}

// ToggleLike toggles the local actor's like.
func (v *View) ToggleLike(ctx context.Context) error {
	m, err := v.current()
	if err != nil {
		return err
	}
	return m.likes.ToggleLike(ctx)
}

// AddComment posts a comment as the local actor.
func (v *View) AddComment(ctx context.Context, body string) error {
	m, err := v.current()
	if err != nil {
		return err
	}
	return m.list.Add(ctx, body)
}

// RemoveComment deletes one of the local actor's comments.
func (v *View) RemoveComment(ctx context.Context, id types.RecordID) error {
	m, err := v.current()
	if err != nil {
		return err
	}
	return m.list.Remove(ctx, id)
}

// LoadMore fetches the next page of comments.
func (v *View) LoadMore(ctx context.Context) error {
	m, err := v.current()
	if err != nil {
		return err
	}
	return m.list.LoadMore(ctx)
}

// Retarget moves the View to another entity. Subscriptions and peer channels
// for the old entity are released, and state and dedup memory start fresh.
func (v *View) Retarget(ctx context.Context, entity types.EntityID) error {
	if entity == "" {
		return errors.New("entity id is required")
	}

	m, err := v.current()
	if err != nil {
		return err
	}
	if m.entity == entity {
		return nil
	}

	next := v.mount(ctx, entity, v.settings.withoutSeeds())

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return multierr.Append(ErrViewClosed, next.close())
	}
	old := v.cur
	v.cur = next
	v.mu.Unlock()

	if old != nil {
		err = old.close()
	}
	v.observers.notify()
	return err
}

// Close unmounts the View. It is safe to call more than once.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	cur := v.cur
	v.cur = nil
	v.mu.Unlock()

	if cur == nil {
		return nil
	}
	return cur.close()
}

// withoutSeeds drops caller hints that belonged to the previous entity.
func (s settings) withoutSeeds() settings {
	s.initialLikes = nil
	s.initialComments = nil
	return s
}
