package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the queue core recognizes.
type Config struct {
	// Redis connection.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KeyPrefix is prepended to every key the queue writes.
	KeyPrefix string

	// Retry policy.
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// Worker liveness.
	HeartbeatTimeout time.Duration
	// WorkerTTLFactor multiplies HeartbeatTimeout to produce the worker
	// record TTL.
	WorkerTTLFactor int

	// PollInterval is the promote-due sweep cadence.
	PollInterval time.Duration

	// DeadLetterEnabled controls whether exhausted failures park on the
	// dead-letter list or stop at terminal failed.
	DeadLetterEnabled bool

	// DefaultStrategy is the routing policy used when a task carries no
	// routing fields: round-robin, load-based, skill-based or sticky.
	DefaultStrategy string

	// ClaimRatePerSec throttles directed claims per worker. Zero disables
	// the limiter.
	ClaimRatePerSec float64
	ClaimBurst      int
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		KeyPrefix:         "queue",
		MaxRetries:        3,
		BaseRetryDelay:    1000 * time.Millisecond,
		MaxRetryDelay:     300000 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Second,
		WorkerTTLFactor:   2,
		PollInterval:      100 * time.Millisecond,
		DeadLetterEnabled: true,
		DefaultStrategy:   "load-based",
		ClaimRatePerSec:   0,
		ClaimBurst:        1,
	}
}

// FromEnv returns Default overridden by TASKFORGE_* environment variables.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("TASKFORGE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TASKFORGE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	cfg.RedisDB = envInt("TASKFORGE_REDIS_DB", cfg.RedisDB)
	if v := os.Getenv("TASKFORGE_KEY_PREFIX"); v != "" {
		cfg.KeyPrefix = v
	}
	cfg.MaxRetries = envInt("TASKFORGE_MAX_RETRIES", cfg.MaxRetries)
	cfg.BaseRetryDelay = envMillis("TASKFORGE_BASE_RETRY_DELAY_MS", cfg.BaseRetryDelay)
	cfg.MaxRetryDelay = envMillis("TASKFORGE_MAX_RETRY_DELAY_MS", cfg.MaxRetryDelay)
	cfg.HeartbeatTimeout = envMillis("TASKFORGE_HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.WorkerTTLFactor = envInt("TASKFORGE_WORKER_TTL_FACTOR", cfg.WorkerTTLFactor)
	cfg.PollInterval = envMillis("TASKFORGE_POLL_INTERVAL_MS", cfg.PollInterval)
	if v := os.Getenv("TASKFORGE_DEAD_LETTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DeadLetterEnabled = b
		}
	}
	if v := os.Getenv("TASKFORGE_DEFAULT_STRATEGY"); v != "" {
		cfg.DefaultStrategy = v
	}
	if v := os.Getenv("TASKFORGE_CLAIM_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ClaimRatePerSec = f
		}
	}
	cfg.ClaimBurst = envInt("TASKFORGE_CLAIM_BURST", cfg.ClaimBurst)

	return cfg
}

// WorkerRecordTTL is the TTL applied to worker records on every write.
func (c Config) WorkerRecordTTL() time.Duration {
	factor := c.WorkerTTLFactor
	if factor < 1 {
		factor = 2
	}
	return time.Duration(factor) * c.HeartbeatTimeout
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
