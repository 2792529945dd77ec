package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

// RedisCache caches assignments in Redis. Writes use SETNX so a cached
// assignment is never replaced.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds cache settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces keys (default "tinyexp:assign:")
	Prefix string

	// TTL expires idle entries (0 = keep forever)
	TTL time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisCacheFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "tinyexp:assign:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(experimentID, subjectID string) string {
	return c.prefix + experimentID + ":" + subjectID
}

// Get returns a cached assignment.
func (c *RedisCache) Get(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, bool, error) {
	data, err := c.client.Get(ctx, c.key(experimentID, subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return experiment.Assignment{}, false, nil
	}
	if err != nil {
		return experiment.Assignment{}, false, err
	}

	var a experiment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return experiment.Assignment{}, false, fmt.Errorf("failed to decode cached assignment: %w", err)
	}
	if !a.Group.Valid() {
		return experiment.Assignment{}, false, fmt.Errorf("cached assignment has invalid group %q", a.Group)
	}
	return a, true, nil
}

// SetIfAbsent caches a unless an entry already exists.
func (c *RedisCache) SetIfAbsent(ctx context.Context, a experiment.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}
	return c.client.SetNX(ctx, c.key(a.ExperimentID, a.SubjectID), data, c.ttl).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
