package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, time.Minute, cfg.PollInterval)
	require.Equal(t, 100, cfg.DueBatchSize)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	require.Empty(t, cfg.ArchiveS3Bucket)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("DUE_BATCH_SIZE", "25")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SEND_LIMIT_REFILL_PER_SEC", "1.5")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.Equal(t, 25, cfg.DueBatchSize)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	require.InDelta(t, 1.5, cfg.SendLimitRefill, 0.001)
}
