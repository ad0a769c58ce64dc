// Package coordination wraps the shared in-memory coordination store (C):
// a Redis instance holding the payment queues, dedup markers, health cache,
// and summary counters used by every replica.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client is a thin wrapper around a go-redis client, giving the rest of the
// codebase a single construction point and a place to hang atomic helpers
// shared by the queue and health packages.
type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Client{rdb: rdb, logger: logger}
}

// Raw exposes the underlying go-redis client for packages that need direct
// access to list/sorted-set/hash primitives (queue, summary).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetNX atomically sets key to value with the given TTL only if it does not
// already exist, returning whether the set occurred. This backs dedup
// markers (enqueue idempotency) and the health-prober lease.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set writes key unconditionally with the given TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, and false if the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes one or more keys, tolerating absence.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %v: %w", keys, err)
	}
	return nil
}

// Eval runs a Lua script atomically against the coordination store. The
// retry-to-processing move (TakeDue) and the orphan reconciliation are
// expressed this way rather than as a pipeline of separate commands, which
// would not be atomic under concurrent workers. Reschedule and
// FinalizeSuccess use plain, non-atomic pipelines.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	return res, nil
}
