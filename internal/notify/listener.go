package notify

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	defaultChannel  = "engagement_changes"
	maxBackoffDelay = 30 * time.Second
)

// Listener holds one LISTEN connection and fans row-change notifications out
// to per-entity subscribers. Notifications sent while the connection is
// being re-established are lost; subscribers rely on periodic
// reconciliation for those.
type Listener struct {
	fanout

	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithChannel overrides the NOTIFY channel name.
func WithChannel(channel string) ListenerOption {
	return func(l *Listener) {
		if channel != "" {
			l.channel = channel
		}
	}
}

// NewListener constructs a listener backed by the pool.
func NewListener(pool *pgxpool.Pool, logger zerolog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		pool:    pool,
		channel: defaultChannel,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins listening in the background until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn().Err(err).Str("channel", l.channel).Dur("backoff", backoff).Msg("listen interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// A connection that still LISTENs must not go back to the pool.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Conn().Close(closeCtx)
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.logger.Info().Str("channel", l.channel).Msg("listening for row changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle([]byte(n.Payload))
	}
}

func (l *Listener) handle(payload []byte) {
	evt, err := DecodeNotification(payload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, errUnknownTable) {
			reason = "unknown_table"
		} else if errors.Is(err, errUnknownOp) {
			reason = "unknown_op"
		}
		notificationsDropped.WithLabelValues(reason).Inc()
		l.logger.Warn().Err(err).Msg("failed to decode row-change notification")
		return
	}
	l.dispatch(evt)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
