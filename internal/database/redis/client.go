// Package redis provides the Redis client for powgate: reward phrases kept in a
// list and per-verdict counters.
package redis

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/powgate/internal/gate"
	"github.com/bardlex/powgate/pkg/errors"
)

// ErrNoURL is returned when no connection URL is configured
var ErrNoURL = stdErrors.New("redis: no URL defined")

// DefaultRewardsKey is the list LRANGE reads phrases from
const DefaultRewardsKey = "powgate:rewards"

// counterTTL keeps daily counters around past their day
const counterTTL = 48 * time.Hour

// Client wraps Redis operations
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration. URL uses the redis:// scheme;
// non-zero pool settings override what the URL carries.
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Options turns the config into go-redis options
func (c *Config) Options() (*redis.Options, error) {
	if c.URL == "" {
		return nil, ErrNoURL
	}
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}

	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		opts.MinIdleConns = c.MinIdleConns
	}
	if c.MaxRetries > 0 {
		opts.MaxRetries = c.MaxRetries
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts, nil
}

// NewClient connects and pings
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_config", "invalid Redis configuration")
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_ping", "failed to ping Redis")
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ListRewards returns every element of the list at key, in order
func (c *Client) ListRewards(ctx context.Context, key string) ([]string, error) {
	phrases, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_lrange", "failed to read reward list").
			WithContext("key", key)
	}
	return phrases, nil
}

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_incr", "failed to increment counter").
			WithContext("key", key)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value; a missing key reads as zero
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_get", "failed to get counter").
			WithContext("key", key)
	}
	return val, nil
}

// OutcomeKey is the daily counter key for an outcome, e.g. powgate:outcome:accepted:2026-10-19
func OutcomeKey(outcome string, day time.Time) string {
	return fmt.Sprintf("powgate:outcome:%s:%s", outcome, day.UTC().Format(time.DateOnly))
}

// RecordOutcome bumps the daily counter for the attempt's outcome
func (c *Client) RecordOutcome(ctx context.Context, a *gate.Attempt) error {
	_, err := c.IncrementCounter(ctx, OutcomeKey(a.Outcome(), a.StartedAt), counterTTL)
	return err
}
