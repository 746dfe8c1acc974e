package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/workout-engagement/internal/engagement"
	"github.com/example/workout-engagement/internal/observability"
	"github.com/example/workout-engagement/internal/types"
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	writeTimeout       time.Duration
	readLimit          int64
	errorBuffer        int
}

// Connection is one upgraded tab. The read loop runs commands against the
// view; the write loop pushes coalesced state snapshots, errors and pings.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	dirty     chan struct{}
	errs      chan ErrorMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	session types.EntityID

	opts connectionOptions
}

func newConnection(conn *websocket.Conn, id ClientIdentity, session types.EntityID, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		session:  session,
		registry: registry,
		logger:   logger,
		dirty:    make(chan struct{}, 1),
		errs:     make(chan ErrorMessage, opts.errorBuffer),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
	}
}

// SessionID returns the currently mounted session.
func (c *Connection) SessionID() types.EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Actor returns the authenticated actor, empty for anonymous tabs.
func (c *Connection) Actor() types.ActorID { return c.identity.Actor }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Run pumps messages until the connection closes, then unmounts the view.
func (c *Connection) Run(view *engagement.View) {
	stopWatching := view.OnChange(c.markDirty)
	c.markDirty()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(view)
	}()

	if err := c.readLoop(view); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	stopWatching()
	if err := view.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to unmount view")
	}
	c.logger.Info().Msg("websocket connection closed")
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		deadline := time.Now().Add(c.opts.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = c.conn.Close()
		c.registry.Unregister(c.SessionID(), c)
	})
}

func (c *Connection) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Connection) sendError(command string, err error) {
	msg := ErrorMessage{Type: TypeError, Command: command, Message: err.Error()}
	select {
	case c.errs <- msg:
	default:
		c.logger.Warn().Err(err).Msg("error buffer full; dropping notice")
	}
}

func (c *Connection) readLoop(view *engagement.View) error {
	c.conn.SetReadLimit(c.opts.readLimit)
	allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
	_ = c.conn.SetReadDeadline(time.Now().Add(allowed))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(allowed))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(allowed))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			gatewayCommands.WithLabelValues("invalid", "rejected").Inc()
			c.sendError("", fmt.Errorf("decode command: %w", err))
			continue
		}
		c.handle(view, msg)
	}
}

func (c *Connection) handle(view *engagement.View, msg ClientMessage) {
	ctx, span := tracer.Start(c.ctx, "ws."+msg.Type)
	span.SetAttributes(attribute.String("session", string(c.SessionID())))
	defer span.End()

	var err error
	switch msg.Type {
	case TypeToggleLike:
		err = view.ToggleLike(ctx)
	case TypeAddComment:
		err = view.AddComment(ctx, msg.Body)
	case TypeRemoveComment:
		err = view.RemoveComment(ctx, msg.CommentID)
	case TypeLoadMore:
		err = view.LoadMore(ctx)
	case TypeRetarget:
		err = c.retarget(ctx, view, msg.SessionID)
	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}

	if err != nil {
		gatewayCommands.WithLabelValues(msg.Type, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger := observability.LoggerWithTrace(ctx, c.logger)
		logger.Debug().Err(err).Str("command", msg.Type).Msg("command failed")
		c.sendError(msg.Type, err)
		return
	}
	gatewayCommands.WithLabelValues(msg.Type, "ok").Inc()
}

func (c *Connection) retarget(ctx context.Context, view *engagement.View, session types.EntityID) error {
	if session == "" {
		return errors.New("session_id is required")
	}
	from := c.SessionID()
	if err := view.Retarget(ctx, session); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.registry.Move(from, session, c)
	return nil
}

func (c *Connection) writeLoop(view *engagement.View) {
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-c.ctx.Done():
			return
		case <-c.dirty:
			err = c.write(newStateMessage(view.Snapshot()))
			if err == nil {
				gatewayStatesSent.Inc()
			}
		case msg := <-c.errs:
			err = c.write(msg)
		case <-ticker.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout))
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("write loop error")
			c.Close()
			return
		}
	}
}

func (c *Connection) write(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}
