package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/workout-engagement/internal/types"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed ground truth for likes and comments on
// workout sessions. Reads are exact counts as of read time; writes take the
// writer identity from the request context.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
	channel    string
}

// Option configures the store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient read failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between read retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// WithNotifyChannel sets the NOTIFY channel the installed triggers publish to.
func WithNotifyChannel(channel string) Option {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// New constructs a store using the provided Postgres pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		channel:    NotifyChannel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CountLikes returns the exact number of likes on a session.
func (s *Store) CountLikes(ctx context.Context, entity types.EntityID) (_ int, err error) {
	ctx, done := begin(ctx, "likes.count")
	defer func() { done(err) }()

	var count int64
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `SELECT count(*) FROM workout_likes WHERE session_id = $1`, entity).Scan(&count)
	})
	return int(count), err
}

// HasLiked reports whether actor currently likes the session.
func (s *Store) HasLiked(ctx context.Context, entity types.EntityID, actor types.ActorID) (_ bool, err error) {
	ctx, done := begin(ctx, "likes.member")
	defer func() { done(err) }()

	var exists bool
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM workout_likes WHERE session_id = $1 AND actor_id = $2)`,
			entity, actor,
		).Scan(&exists)
	})
	return exists, err
}

// InsertLike adds a like from the authenticated actor. A second like from the
// same actor yields types.ErrDuplicate.
func (s *Store) InsertLike(ctx context.Context, entity types.EntityID) (_ types.RecordID, err error) {
	ctx, done := begin(ctx, "likes.insert")
	defer func() { done(err) }()

	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO workout_likes (session_id, actor_id)
VALUES ($1, $2)
RETURNING id`,
		entity, actor,
	).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return types.RecordID(id), nil
}

// DeleteLike removes the authenticated actor's like. Nothing else is
// removable through this call.
func (s *Store) DeleteLike(ctx context.Context, entity types.EntityID) (_ types.RecordID, err error) {
	ctx, done := begin(ctx, "likes.delete")
	defer func() { done(err) }()

	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
DELETE FROM workout_likes
WHERE session_id = $1 AND actor_id = $2
RETURNING id`,
		entity, actor,
	).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return types.RecordID(id), nil
}

// CountComments returns the exact number of comments on a session.
func (s *Store) CountComments(ctx context.Context, entity types.EntityID) (_ int, err error) {
	ctx, done := begin(ctx, "comments.count")
	defer func() { done(err) }()

	var count int64
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `SELECT count(*) FROM workout_comments WHERE session_id = $1`, entity).Scan(&count)
	})
	return int(count), err
}

// ListComments returns one page of comments, most recent first.
func (s *Store) ListComments(ctx context.Context, entity types.EntityID, limit, offset int) (_ []types.Comment, err error) {
	ctx, done := begin(ctx, "comments.list")
	defer func() { done(err) }()

	var comments []types.Comment
	err = s.retry(ctx, func(ctx context.Context) error {
		comments = comments[:0]
		rows, err := s.pool.Query(ctx, `
SELECT id, session_id, actor_id, body, created_at
FROM workout_comments
WHERE session_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`,
			entity, limit, offset,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id        int64
				sessionID string
				actorID   string
				body      string
				createdAt time.Time
			)
			if err := rows.Scan(&id, &sessionID, &actorID, &body, &createdAt); err != nil {
				return err
			}
			comments = append(comments, types.Comment{
				ID:        types.RecordID(id),
				Entity:    types.EntityID(sessionID),
				Actor:     types.ActorID(actorID),
				Body:      body,
				CreatedAt: createdAt,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// InsertComment stores a comment authored by the authenticated actor.
func (s *Store) InsertComment(ctx context.Context, entity types.EntityID, body string) (_ types.Comment, err error) {
	ctx, done := begin(ctx, "comments.insert")
	defer func() { done(err) }()

	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return types.Comment{}, err
	}

	comment := types.Comment{Entity: entity, Actor: actor, Body: body}
	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO workout_comments (session_id, actor_id, body)
VALUES ($1, $2, $3)
RETURNING id, created_at`,
		entity, actor, body,
	).Scan(&id, &comment.CreatedAt)
	if err != nil {
		return types.Comment{}, mapWriteError(err)
	}
	comment.ID = types.RecordID(id)
	return comment, nil
}

// DeleteComment removes one of the authenticated actor's comments.
func (s *Store) DeleteComment(ctx context.Context, entity types.EntityID, id types.RecordID) (_ types.RecordID, err error) {
	ctx, done := begin(ctx, "comments.delete")
	defer func() { done(err) }()

	actor, err := types.ActorFrom(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = s.pool.QueryRow(ctx, `
DELETE FROM workout_comments
WHERE id = $1 AND session_id = $2 AND actor_id = $3
RETURNING id`,
		id, entity, actor,
	).Scan(&deleted)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return types.RecordID(deleted), nil
}

func mapWriteError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return types.ErrDuplicate
	}
	return err
}

// retry is only used for reads; writes are never repeated behind the
// caller's back.
func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
