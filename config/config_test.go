package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, "queue", cfg.KeyPrefix)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.BaseRetryDelay)
	require.Equal(t, 5*time.Minute, cfg.MaxRetryDelay)
	require.True(t, cfg.DeadLetterEnabled)
	require.Equal(t, "load-based", cfg.DefaultStrategy)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TASKFORGE_REDIS_ADDR", "redis:6380")
	t.Setenv("TASKFORGE_KEY_PREFIX", "tf")
	t.Setenv("TASKFORGE_MAX_RETRIES", "5")
	t.Setenv("TASKFORGE_BASE_RETRY_DELAY_MS", "250")
	t.Setenv("TASKFORGE_HEARTBEAT_TIMEOUT_MS", "10000")
	t.Setenv("TASKFORGE_DEAD_LETTER_ENABLED", "false")
	t.Setenv("TASKFORGE_DEFAULT_STRATEGY", "round-robin")
	t.Setenv("TASKFORGE_CLAIM_RATE_PER_SEC", "2.5")

	cfg := FromEnv()
	require.Equal(t, "redis:6380", cfg.RedisAddr)
	require.Equal(t, "tf", cfg.KeyPrefix)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.BaseRetryDelay)
	require.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	require.False(t, cfg.DeadLetterEnabled)
	require.Equal(t, "round-robin", cfg.DefaultStrategy)
	require.Equal(t, 2.5, cfg.ClaimRatePerSec)
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("TASKFORGE_MAX_RETRIES", "many")
	t.Setenv("TASKFORGE_BASE_RETRY_DELAY_MS", "-5")

	cfg := FromEnv()
	require.Equal(t, Default().MaxRetries, cfg.MaxRetries)
	require.Equal(t, Default().BaseRetryDelay, cfg.BaseRetryDelay)
}

func TestWorkerRecordTTL(t *testing.T) {
	cfg := Default()
	require.Equal(t, 2*cfg.HeartbeatTimeout, cfg.WorkerRecordTTL())

	cfg.WorkerTTLFactor = 0
	require.Equal(t, 2*cfg.HeartbeatTimeout, cfg.WorkerRecordTTL())

	cfg.WorkerTTLFactor = 3
	require.Equal(t, 3*cfg.HeartbeatTimeout, cfg.WorkerRecordTTL())
}
