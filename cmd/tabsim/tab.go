package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/workout-engagement/internal/types"
	"github.com/example/workout-engagement/internal/ws"
)

// tab is one simulated browser tab: a websocket connection mounted on a
// session under one actor, remembering the last state it was pushed.
type tab struct {
	name  string
	actor types.ActorID
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	last    ws.StateMessage
	seen    bool
	updates int
	errors  []string
	changed chan struct{}
	done    chan struct{}
}

func dialTab(ctx context.Context, dialer *websocket.Dialer, addr string, session types.EntityID, name string, actor types.ActorID) (*tab, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	q := u.Query()
	q.Set("session_id", string(session))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if actor.Valid() {
		header.Set(ws.ActorHeader, string(actor))
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	return &tab{
		name:    name,
		actor:   actor,
		conn:    conn,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

func (t *tab) readLoop(logger zerolog.Logger) {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("tab", t.name).Msg("read loop exited")
			}
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			logger.Warn().Err(err).Str("tab", t.name).Msg("undecodable message")
			continue
		}

		switch head.Type {
		case ws.TypeState:
			var msg ws.StateMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn().Err(err).Str("tab", t.name).Msg("undecodable state")
				continue
			}
			t.mu.Lock()
			t.last = msg
			t.seen = true
			t.updates++
			t.mu.Unlock()
		case ws.TypeError:
			var msg ws.ErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			t.mu.Lock()
			t.errors = append(t.errors, msg.Command+": "+msg.Message)
			t.mu.Unlock()
		default:
			continue
		}

		select {
		case t.changed <- struct{}{}:
		default:
		}
	}
}

func (t *tab) send(msg ws.ClientMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

// state returns the last pushed state and whether one was received.
func (t *tab) state() (ws.StateMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}

func (t *tab) stats() (updates int, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates, append([]string(nil), t.errors...)
}

func (t *tab) close() {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = t.conn.Close()
	<-t.done
}
