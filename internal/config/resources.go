package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. A connection is only opened
// when the configured backend needs it.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
}

// NewResources builds the external dependencies the configuration selects.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{}

	if cfg.UsesPostgres() {
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		res.Postgres, err = pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
	}

	if cfg.UsesRedis() {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if err := res.HealthCheck(ctx); err != nil {
		_ = res.Close()
		return nil, err
	}

	return res, nil
}

// HealthCheck verifies that all opened dependency pools are healthy.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if r.Postgres != nil {
		if perr := r.Postgres.Ping(ctx); perr != nil {
			err = multierr.Append(err, fmt.Errorf("postgres healthcheck failed: %w", perr))
		}
	}
	if r.Redis != nil {
		if rerr := r.Redis.Ping(ctx).Err(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("redis healthcheck failed: %w", rerr))
		}
	}
	return err
}

// Close disposes all active connections.
func (r *Resources) Close() error {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		return r.Redis.Close()
	}
	return nil
}
