package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisLimiter. Defaults can be loaded via
// envdecode.
type RedisConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all limiter keys. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX,default=gate:ratelimit:"`
	// Limit is the request budget per window. ENV: RATELIMIT_LIMIT
	Limit int `env:"RATELIMIT_LIMIT,default=60"`
	// Window duration. ENV: RATELIMIT_WINDOW
	Window time.Duration `env:"RATELIMIT_WINDOW,default=1m"`
}

// RedisLimiter is a fixed-window limiter backed by a shared Redis counter,
// for deployments running more than one gateway replica behind a balancer.
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedis constructs a RedisLimiter and verifies connectivity.
func NewRedis(cfg RedisConfig) (*RedisLimiter, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gate:ratelimit:"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: cl, keyPrefix: prefix, limit: limit, window: window}, nil
}

// NewRedisFromEnv builds a RedisLimiter using envdecode to populate
// RedisConfig.
func NewRedisFromEnv() (*RedisLimiter, error) {
	var cfg RedisConfig
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return NewRedis(cfg)
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error { return l.client.Close() }

// Allow increments the window counter for key and compares it to the
// budget. Backend errors are surfaced so the caller can fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	k := l.keyPrefix + key + ":" + strconv.FormatInt(bucket, 10)

	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return true, fmt.Errorf("ratelimit incr: %w", err)
	}
	if n == 1 {
		// First hit in the window owns setting the expiry. Best effort: an
		// expiry failure leaves a counter that the next window ignores.
		_ = l.client.Expire(ctx, k, l.window).Err()
	}
	return n <= int64(l.limit), nil
}

var _ Limiter = (*RedisLimiter)(nil)
