package storage

import (
	"context"
	"fmt"
	"strings"
)

// NotifyChannel is the default Postgres NOTIFY channel the row triggers
// publish to.
const NotifyChannel = "engagement_changes"

func schemaStatements(channel string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS workout_likes (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    actor_id   TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, actor_id)
)`,
		`CREATE TABLE IF NOT EXISTS workout_comments (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    actor_id   TEXT        NOT NULL,
    body       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS workout_comments_session_idx
    ON workout_comments (session_id, created_at DESC, id DESC)`,
		`CREATE OR REPLACE FUNCTION notify_engagement_change() RETURNS trigger AS $$
DECLARE
    rec RECORD;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    PERFORM pg_notify(` + quoteLiteral(channel) + `, json_build_object(
        'table', TG_TABLE_NAME,
        'op', TG_OP,
        'session_id', rec.session_id,
        'record_id', rec.id,
        'actor_id', rec.actor_id
    )::text);
    RETURN rec;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS workout_likes_notify ON workout_likes`,
		`CREATE TRIGGER workout_likes_notify
    AFTER INSERT OR DELETE ON workout_likes
    FOR EACH ROW EXECUTE FUNCTION notify_engagement_change()`,
		`DROP TRIGGER IF EXISTS workout_comments_notify ON workout_comments`,
		`CREATE TRIGGER workout_comments_notify
    AFTER INSERT OR DELETE ON workout_comments
    FOR EACH ROW EXECUTE FUNCTION notify_engagement_change()`,
	}
}

// quoteLiteral renders channel as a SQL string literal.
func quoteLiteral(channel string) string {
	return "'" + strings.ReplaceAll(channel, "'", "''") + "'"
}

// EnsureSchema creates the engagement tables and change-notification
// triggers if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schemaStatements(s.channel) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}
