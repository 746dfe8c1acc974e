package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "workout-engagement", cfg.AppName)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.BroadcastBackend)
	assert.Equal(t, 12*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 8*time.Second, cfg.StoreOpTimeout)
	assert.Equal(t, 512, cfg.DedupCapacity)
	assert.Equal(t, 20, cfg.CommentPageSize)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.True(t, cfg.UsesPostgres())
	assert.True(t, cfg.UsesRedis())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("BROADCAST_BACKEND", "memory")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("STORE_OP_TIMEOUT", "2s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MIGRATE_ON_START", "true")
	t.Setenv("COMMENT_PAGE_SIZE", "not-a-number")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.UsesPostgres())
	assert.False(t, cfg.UsesRedis())
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 2*time.Second, cfg.StoreOpTimeout)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, 20, cfg.CommentPageSize, "unparsable values fall back")
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"STORE_BACKEND":      "sqlite",
		"BROADCAST_BACKEND":  "carrier-pigeon",
		"RECONCILE_INTERVAL": "-1s",
		"STORE_OP_TIMEOUT":   "0s",
		"DEDUP_CAPACITY":     "0",
		"OTEL_SAMPLE_RATIO":  "1.5",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestMemoryBackendsNeedNoResources(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("BROADCAST_BACKEND", "memory")
	cfg, err := Load()
	require.NoError(t, err)

	res, err := NewResources(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, res.Postgres)
	assert.Nil(t, res.Redis)
	require.NoError(t, res.HealthCheck(context.Background()))
	require.NoError(t, res.Close())
}
