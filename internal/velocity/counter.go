// Package velocity computes the rolling-window heuristics folded into the
// effective risk score: per-IP click frequency over the last hour and the
// global conversion rate over the last day.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexus-cloaker/trafficguard/internal/config"
)

// Counter tracks clicks per IP over time.
type Counter interface {
	// Record notes one click from ip at at.
	Record(ctx context.Context, ip string, at time.Time) error
	// Count returns clicks from ip at or after since.
	Count(ctx context.Context, ip string, since time.Time) (int64, error)
}

// ClickHistory is the persisted click log.
type ClickHistory interface {
	ClicksFromIP(ctx context.Context, ip string, since time.Time) (int64, error)
}

// SQLCounter counts from the clicks table. Clicks are persisted by the
// mitigation engine, so Record has nothing to do.
type SQLCounter struct {
	history ClickHistory
}

func NewSQLCounter(history ClickHistory) *SQLCounter {
	return &SQLCounter{history: history}
}

func (c *SQLCounter) Record(ctx context.Context, ip string, at time.Time) error { return nil }

func (c *SQLCounter) Count(ctx context.Context, ip string, since time.Time) (int64, error) {
	return c.history.ClicksFromIP(ctx, ip, since)
}

// RedisCounter keeps one sorted set per IP, scored by click time in
// milliseconds. Members older than the window are trimmed on every write.
type RedisCounter struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(ctx context.Context, cfg config.RedisConfig, window time.Duration) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCounter{client: client, window: window, prefix: "trafficguard:velocity:"}, nil
}

func (c *RedisCounter) key(ip string) string {
	return c.prefix + ip
}

func (c *RedisCounter) Record(ctx context.Context, ip string, at time.Time) error {
	key := c.key(ip)
	score := float64(at.UnixMilli())
	cutoff := strconv.FormatInt(at.Add(-c.window).UnixMilli(), 10)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: uuid.New().String()})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, c.window+time.Minute)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record click for %s: %w", ip, err)
	}
	return nil
}

func (c *RedisCounter) Count(ctx context.Context, ip string, since time.Time) (int64, error) {
	n, err := c.client.ZCount(ctx, c.key(ip), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count clicks for %s: %w", ip, err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
