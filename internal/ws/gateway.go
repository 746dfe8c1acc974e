package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/engagement"
	"github.com/example/workout-engagement/internal/types"
)

// ActorHeader carries the authenticated actor id set by the fronting proxy.
const ActorHeader = "X-Actor-ID"

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// ClientIdentity is who a connection acts as. An empty Actor is an anonymous,
// read-only tab.
type ClientIdentity struct {
	Actor     types.ActorID
	SessionID types.EntityID
}

// HeaderAuthenticator trusts the actor id in ActorHeader, or the actor_id
// query parameter. A present but malformed id is rejected.
func HeaderAuthenticator() Authenticator {
	return AuthFunc(func(r *http.Request) (ClientIdentity, error) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			raw = r.URL.Query().Get("actor_id")
		}
		actor := types.ActorID(raw)
		if raw != "" && !actor.Valid() {
			return ClientIdentity{}, fmt.Errorf("invalid actor id %q", raw)
		}
		return ClientIdentity{Actor: actor}, nil
	})
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	WriteTimeout       time.Duration
	ReadLimit          int64
	ErrorBuffer        int
}

// Gateway upgrades HTTP requests into WebSocket connections, mounts one
// engagement view per connection and tracks it in the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	deps     engagement.Deps
	opts     []engagement.Option
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, deps engagement.Deps, logger zerolog.Logger, cfg GatewayConfig, opts ...engagement.Option) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if deps.Likes == nil || deps.Comments == nil {
		return nil, errors.New("engagement stores are required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 8 << 10
	}
	if cfg.ErrorBuffer == 0 {
		cfg.ErrorBuffer = 16
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	session := types.EntityID(r.URL.Query().Get("session_id"))
	if identity.SessionID != "" {
		session = identity.SessionID
	}
	if session == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	childLogger := g.logger.With().Str("session", string(session)).Str("actor", string(identity.Actor)).Logger()
	deps := g.deps
	deps.Logger = childLogger

	connection := newConnection(conn, identity, session, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		writeTimeout:       g.cfg.WriteTimeout,
		readLimit:          g.cfg.ReadLimit,
		errorBuffer:        g.cfg.ErrorBuffer,
	})

	view, err := engagement.Mount(connection.Context(), deps, session, identity.Actor, g.opts...)
	if err != nil {
		childLogger.Error().Err(err).Msg("failed to mount engagement view")
		connection.Close()
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	g.registry.Register(session, connection)
	childLogger.Info().Msg("websocket connection established")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		connection.Run(view)
	}()
}

// Close closes every connection and waits for their views to unmount.
func (g *Gateway) Close() {
	g.registry.CloseAll()
	g.wg.Wait()
}
