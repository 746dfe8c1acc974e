package ws

import (
	"sync"

	"github.com/example/workout-engagement/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by session.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	sessions map[types.EntityID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{sessions: make(map[types.EntityID]map[*Connection]struct{})}
}

// Register associates the connection with a session.
func (r *ConnectionRegistry) Register(session types.EntityID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[session] == nil {
		r.sessions[session] = make(map[*Connection]struct{})
	}
	r.sessions[session][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(session)).Set(float64(len(r.sessions[session])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(session types.EntityID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.sessions[session]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.sessions, session)
	}
	gatewayConnections.WithLabelValues(string(session)).Set(float64(len(conns)))
}

// Move re-keys a connection after its view was retargeted.
func (r *ConnectionRegistry) Move(from, to types.EntityID, c *Connection) {
	r.Unregister(from, c)
	r.Register(to, c)
}

// Count returns the number of connections watching a session.
func (r *ConnectionRegistry) Count(session types.EntityID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[session])
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*Connection, 0)
	for _, conns := range r.sessions {
		for c := range conns {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}
