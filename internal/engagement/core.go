package engagement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/broadcast"
	"github.com/example/workout-engagement/internal/dedup"
	"github.com/example/workout-engagement/internal/types"
)

// exact is the result of one ground-truth read.
type exact struct {
	count int
	mine  bool
}

type readFunc func(ctx context.Context) (exact, error)

// core is the state machine shared by the like and comment-count engines.
// State is guarded by mu; no I/O happens while it is held.
type core struct {
	topic      types.Topic
	entity     types.EntityID
	actor      types.ActorID
	tracksMine bool
	read       readFunc
	opTimeout  time.Duration
	interval   time.Duration
	logger     zerolog.Logger

	inserts *dedup.Registry
	deletes *dedup.Registry

	mu          sync.Mutex
	state       types.EngagementState
	issuedSeq   uint64
	appliedSeq  uint64
	mutationSeq uint64

	// busy is the single in-flight mutation guard.
	busy atomic.Bool

	observers observerSet
	trigger   chan struct{}
	channel   broadcast.Channel
	releases  []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCore(topic types.Topic, entity types.EntityID, actor types.ActorID, read readFunc, s settings, logger zerolog.Logger) *core {
	return &core{
		topic:     topic,
		entity:    entity,
		actor:     actor,
		read:      read,
		opTimeout: s.opTimeout,
		interval:  s.reconcileInterval,
		logger:    logger.With().Str("topic", string(topic)).Str("entity", string(entity)).Logger(),
		inserts:   dedup.New(s.dedupCapacity),
		deletes:   dedup.New(s.dedupCapacity),
		trigger:   make(chan struct{}, 1),
	}
}

// start attaches the push feed and peer channel and launches the scheduler.
// Failing to attach either is not fatal; interval reconciliation still
// converges.
func (c *core) start(ctx context.Context, feed ChangeFeed, peers Peers) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if feed != nil {
		unsubscribe, err := feed.Subscribe(c.topic, c.entity, c.apply)
		if err != nil {
			c.logger.Warn().Err(err).Msg("change feed unavailable, relying on reconciliation")
		} else {
			c.releases = append(c.releases, unsubscribe)
		}
	}

	if peers != nil {
		joinCtx, cancel := context.WithTimeout(c.ctx, c.opTimeout)
		channel, err := peers.Join(joinCtx, c.topic, c.entity)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Msg("peer channel unavailable, relying on reconciliation")
		} else {
			c.channel = channel
			c.releases = append(c.releases, channel.OnMessage(c.onHint))
		}
	}

	c.wg.Add(1)
	go c.run()
	c.requestReconcile()
}

// close stops the scheduler and releases every subscription.
func (c *core) close() error {
	for _, release := range c.releases {
		release()
	}
	c.releases = nil

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.channel == nil {
		return nil
	}
	err := c.channel.Leave()
	c.channel = nil
	return err
}

func (c *core) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		_ = c.reconcile(c.ctx, false)
	}
}

// requestReconcile schedules an exact read. Requests made while one is
// already pending collapse into it.
func (c *core) requestReconcile() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// reconcile overwrites local state with an exact read. A result older than
// one already applied is dropped. Unless own is set, a read issued before the
// latest local mutation, or finishing while a mutation is in flight, leaves
// Mine alone.
func (c *core) reconcile(ctx context.Context, own bool) error {
	c.mu.Lock()
	c.issuedSeq++
	seq := c.issuedSeq
	c.mu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	result, err := c.read(readCtx)
	cancel()
	if err != nil {
		reconciliations.WithLabelValues(string(c.topic), "error").Inc()
		c.logger.Debug().Err(err).Msg("exact read failed, keeping local state")
		return err
	}

	c.mu.Lock()
	if seq < c.appliedSeq {
		c.mu.Unlock()
		reconciliations.WithLabelValues(string(c.topic), "stale").Inc()
		return nil
	}
	c.appliedSeq = seq

	next := c.state
	next.Count = max(result.count, 0)
	next.Ready = true
	if c.tracksMine && (own || (seq > c.mutationSeq && !c.busy.Load())) {
		next.Mine = result.mine
	}
	changed := next != c.state
	c.state = next
	c.mu.Unlock()

	reconciliations.WithLabelValues(string(c.topic), "ok").Inc()
	if changed {
		c.observers.notify()
	}
	return nil
}

// apply handles a pushed row change: dedup, signed delta, then an exact
// read as the correctness backstop.
func (c *core) apply(evt types.ChangeEvent) {
	if evt.Entity != c.entity || evt.Topic != c.topic {
		return
	}

	switch change := evt.Change.(type) {
	case types.Inserted:
		if !c.inserts.Observe(change.Record) {
			changesDeduplicated.WithLabelValues(string(c.topic), "insert").Inc()
			return
		}
		changesApplied.WithLabelValues(string(c.topic), "insert").Inc()
		c.adjust(1, change.Actor, true)
	case types.Deleted:
		if !c.deletes.Observe(change.Record) {
			changesDeduplicated.WithLabelValues(string(c.topic), "delete").Inc()
			return
		}
		changesApplied.WithLabelValues(string(c.topic), "delete").Inc()
		c.adjust(-1, change.Actor, false)
	default:
		return
	}
	c.requestReconcile()
}

// adjust applies delta to the count. When actor is the local actor and the
// engine tracks membership, Mine is set to mine.
func (c *core) adjust(delta int, actor types.ActorID, mine bool) {
	c.mu.Lock()
	prev := c.state
	c.state = c.state.Add(delta)
	if c.tracksMine && actor != "" && actor == c.actor {
		c.state.Mine = mine
	}
	changed := prev != c.state
	c.mu.Unlock()

	if changed {
		c.observers.notify()
	}
}

// setMine records an optimistic or adopted membership change.
func (c *core) setMine(mine bool) {
	c.mu.Lock()
	changed := c.state.Mine != mine
	c.state.Mine = mine
	c.mutationSeq = c.issuedSeq
	c.mu.Unlock()

	if changed {
		c.observers.notify()
	}
}

func (c *core) onHint(hint broadcast.Hint) {
	if hint.Entity != "" && hint.Entity != c.entity {
		return
	}
	hintsReceived.WithLabelValues(string(c.topic)).Inc()
	c.requestReconcile()
}

// sendHint tells peers to re-read. Failure only costs latency.
func (c *core) sendHint(delta int, record types.RecordID) {
	if c.channel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opTimeout)
	defer cancel()

	if err := c.channel.Send(ctx, broadcast.Hint{Delta: delta, Record: record}); err != nil {
		hintsSent.WithLabelValues(string(c.topic), "error").Inc()
		c.logger.Warn().Err(err).Msg("failed to send peer hint")
		return
	}
	hintsSent.WithLabelValues(string(c.topic), "ok").Inc()
}

func (c *core) snapshot() types.EngagementState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) seed(state types.EngagementState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state.Add(0)
}

// observerSet holds change callbacks. Callbacks run outside engine locks.
type observerSet struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func()
}

func (o *observerSet) add(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[int]func())
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observerSet) notify() {
	o.mu.RLock()
	fns := make([]func(), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
