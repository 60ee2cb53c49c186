// Package config loads Sentinel's static environment configuration and
// layers the live-read Config Service (§4.7) on top of it.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the gateway's static configuration, read once at startup
// from the environment (and an optional .env file).
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis
	RedisURL string

	// Authentication / key store
	APIKeyHeaderOrder []string
	KeyCachePositiveTTL time.Duration
	KeyCacheNegativeTTL time.Duration

	// Concurrency controller
	DefaultLeaseSeconds   int
	DefaultRenewInterval  int // seconds; 0 disables renewal
	MaxLeaseLifetime      time.Duration
	ConcurrencyGraceSec   int

	// Queue manager polling
	QueuePollIntervalMs    int
	QueuePollBackoffFactor float64
	QueuePollJitterRatio   float64
	QueuePollMaxIntervalMs int
	QueueMaxRedisFailCount int

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// local .env file, the way the teacher's gateway config does.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:                getEnv("GATEWAY_ADDR", ":8080"),
		Env:                 getEnv("ENV", "development"),
		GracefulTimeout:     time.Duration(gracefulSec) * time.Second,
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		APIKeyHeaderOrder:   []string{"x-api-key", "x-goog-api-key", "authorization", "api-key"},
		KeyCachePositiveTTL: time.Duration(getEnvInt("KEY_CACHE_POSITIVE_TTL_SEC", 300)) * time.Second,
		KeyCacheNegativeTTL: time.Duration(getEnvInt("KEY_CACHE_NEGATIVE_TTL_SEC", 30)) * time.Second,

		DefaultLeaseSeconds:  getEnvInt("CONCURRENCY_LEASE_SECONDS", 60),
		DefaultRenewInterval: getEnvInt("CONCURRENCY_RENEW_INTERVAL_SECONDS", 30),
		MaxLeaseLifetime:     time.Duration(getEnvInt("CONCURRENCY_MAX_LIFETIME_MINUTES", 60)) * time.Minute,
		ConcurrencyGraceSec:  getEnvInt("CONCURRENCY_GRACE_SECONDS", 10),

		QueuePollIntervalMs:    getEnvInt("QUEUE_POLL_INTERVAL_MS", 200),
		QueuePollBackoffFactor: getEnvFloat("QUEUE_POLL_BACKOFF_FACTOR", 1.5),
		QueuePollJitterRatio:   getEnvFloat("QUEUE_POLL_JITTER_RATIO", 0.2),
		QueuePollMaxIntervalMs: getEnvInt("QUEUE_POLL_MAX_INTERVAL_MS", 2000),
		QueueMaxRedisFailCount: getEnvInt("QUEUE_MAX_REDIS_FAIL_COUNT", 5),

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 60*1024*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
