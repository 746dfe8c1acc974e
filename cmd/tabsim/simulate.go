package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/example/workout-engagement/internal/types"
	"github.com/example/workout-engagement/internal/ws"
)

var errNotConverged = errors.New("tabs did not converge")

type simConfig struct {
	Addr     string
	Session  types.EntityID
	Tabs     int
	Comment  bool
	Timeout  time.Duration
	PollTick time.Duration
}

// tabResult is the final view of one tab after a run.
type tabResult struct {
	Name     string
	Actor    types.ActorID
	Likes    types.EngagementState
	Comments types.EngagementState
	Updates  int
	Errors   []string
	Matched  bool
}

type simReport struct {
	Session      types.EntityID
	WantLikes    int
	WantComments int
	Converged    bool
	Elapsed      time.Duration
	Tabs         []tabResult
}

// expectation is the state every tab must show once a run settles.
type expectation struct {
	likes    int
	comments int
	mine     map[types.ActorID]bool
}

func (e expectation) met(actor types.ActorID, st ws.StateMessage) bool {
	if !st.Likes.Ready || !st.Comments.Ready {
		return false
	}
	if st.Likes.Count != e.likes || st.Comments.Count != e.comments {
		return false
	}
	return st.Likes.Mine == e.mine[actor]
}

// simulate opens cfg.Tabs tabs on one session with distinct actors, has
// each toggle its like (and optionally post a comment), then waits until
// every tab shows the same exact totals.
func simulate(ctx context.Context, cfg simConfig, logger zerolog.Logger) (simReport, error) {
	if cfg.Tabs < 1 {
		return simReport{}, fmt.Errorf("at least one tab is required")
	}
	if cfg.PollTick <= 0 {
		cfg.PollTick = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	tabs := make([]*tab, 0, cfg.Tabs)
	defer func() {
		for _, t := range tabs {
			t.close()
		}
	}()

	for i := 0; i < cfg.Tabs; i++ {
		t, err := dialTab(ctx, dialer, cfg.Addr, cfg.Session, fmt.Sprintf("tab-%d", i+1), types.ActorID(uuid.NewString()))
		if err != nil {
			return simReport{}, err
		}
		tabs = append(tabs, t)
		go t.readLoop(logger)
	}

	initial, err := awaitReady(ctx, tabs, cfg.PollTick)
	if err != nil {
		return simReport{}, err
	}

	want := expectation{
		likes:    initial[0].Likes.Count,
		comments: initial[0].Comments.Count,
		mine:     make(map[types.ActorID]bool, len(tabs)),
	}
	for i, t := range tabs {
		if initial[i].Likes.Mine {
			want.likes--
		} else {
			want.likes++
		}
		want.mine[t.actor] = !initial[i].Likes.Mine
		if cfg.Comment {
			want.comments++
		}
	}

	start := time.Now()
	var g errgroup.Group
	for _, t := range tabs {
		t := t
		g.Go(func() error {
			var err error
			err = multierr.Append(err, t.send(ws.ClientMessage{Type: ws.TypeToggleLike}))
			if cfg.Comment {
				err = multierr.Append(err, t.send(ws.ClientMessage{Type: ws.TypeAddComment, Body: "hello from " + t.name}))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return simReport{}, fmt.Errorf("send commands: %w", err)
	}
	logger.Debug().Int("tabs", len(tabs)).Msg("commands sent")

	report := simReport{
		Session:      cfg.Session,
		WantLikes:    want.likes,
		WantComments: want.comments,
	}
	ticker := time.NewTicker(cfg.PollTick)
	defer ticker.Stop()
	for !report.Converged {
		if allMet(tabs, want) {
			report.Converged = true
			break
		}
		select {
		case <-ctx.Done():
			report.Elapsed = time.Since(start)
			report.Tabs = results(tabs, want)
			return report, errNotConverged
		case <-ticker.C:
		}
	}
	report.Elapsed = time.Since(start)
	report.Tabs = results(tabs, want)
	return report, nil
}

func awaitReady(ctx context.Context, tabs []*tab, tick time.Duration) ([]ws.StateMessage, error) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		states := make([]ws.StateMessage, 0, len(tabs))
		for _, t := range tabs {
			st, ok := t.state()
			if !ok || !st.Likes.Ready || !st.Comments.Ready {
				break
			}
			states = append(states, st)
		}
		if len(states) == len(tabs) {
			return states, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for initial state: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func allMet(tabs []*tab, want expectation) bool {
	for _, t := range tabs {
		st, ok := t.state()
		if !ok || !want.met(t.actor, st) {
			return false
		}
	}
	return true
}

func results(tabs []*tab, want expectation) []tabResult {
	out := make([]tabResult, 0, len(tabs))
	for _, t := range tabs {
		st, _ := t.state()
		updates, errs := t.stats()
		out = append(out, tabResult{
			Name:     t.name,
			Actor:    t.actor,
			Likes:    st.Likes,
			Comments: st.Comments,
			Updates:  updates,
			Errors:   errs,
			Matched:  want.met(t.actor, st),
		})
	}
	return out
}
