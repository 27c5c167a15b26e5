// Package store is the thin adapter between the queue and Redis. It exposes
// only primitive operations; all queue semantics live in the callers.
package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itskum47/taskforge/observability"
)

// ErrKeyNotFound is returned when a key, list or hash field does not exist.
var ErrKeyNotFound = errors.New("store: key not found")

// Client wraps a Redis connection with the primitives the queue composes.
type Client struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

// New connects to Redis and verifies the connection with a ping.
func New(addr, password string, db int, log *zap.SugaredLogger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb, log: log}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *redis.Client, log *zap.SugaredLogger) *Client {
	return &Client{rdb: rdb, log: log}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- String values ---

// Get returns the value at key, or ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// SetWithTTL writes a value with the given TTL. A zero TTL means no expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	defer observe(time.Now())
	return c.rdb.Del(ctx, key).Err()
}

// --- Ordered lists ---

// ListPushHead pushes a value at the head of a list.
func (c *Client) ListPushHead(ctx context.Context, key, value string) error {
	defer observe(time.Now())
	return c.rdb.LPush(ctx, key, value).Err()
}

// ListPushTail appends a value at the tail of a list.
func (c *Client) ListPushTail(ctx context.Context, key, value string) error {
	defer observe(time.Now())
	return c.rdb.RPush(ctx, key, value).Err()
}

// ListPopTail pops the tail of a list, or returns ErrKeyNotFound when the
// list is empty. The pop is atomic and single-winner across instances.
func (c *Client) ListPopTail(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := c.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// ListRemove removes every occurrence of value from a list and returns the
// number removed.
func (c *Client) ListRemove(ctx context.Context, key, value string) (int64, error) {
	defer observe(time.Now())
	return c.rdb.LRem(ctx, key, 0, value).Result()
}

// ListLength returns the length of a list.
func (c *Client) ListLength(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return c.rdb.LLen(ctx, key).Result()
}

// --- Sorted sets ---

// ZAdd adds a member with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	defer observe(time.Now())
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRemove removes a member and returns the number removed (0 or 1). The
// return value lets concurrent sweepers decide a single winner.
func (c *Client) ZRemove(ctx context.Context, key, member string) (int64, error) {
	defer observe(time.Now())
	return c.rdb.ZRem(ctx, key, member).Result()
}

// ZRangeByScore returns members with minScore <= score <= maxScore in
// ascending score order.
func (c *Client) ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64) ([]string, error) {
	defer observe(time.Now())
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(minScore),
		Max: formatScore(maxScore),
	}).Result()
}

// ZRangeByRank returns members in the given rank range, ascending by score.
func (c *Client) ZRangeByRank(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe(time.Now())
	return c.rdb.ZRange(ctx, key, start, stop).Result()
}

// ZCard returns the cardinality of a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return c.rdb.ZCard(ctx, key).Result()
}

// --- Unordered sets ---

// SetAdd adds a member to a set.
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	defer observe(time.Now())
	return c.rdb.SAdd(ctx, key, member).Err()
}

// SetRemove removes a member from a set.
func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	defer observe(time.Now())
	return c.rdb.SRem(ctx, key, member).Err()
}

// SetMembers returns all members of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	defer observe(time.Now())
	return c.rdb.SMembers(ctx, key).Result()
}

// SetContains reports membership.
func (c *Client) SetContains(ctx context.Context, key, member string) (bool, error) {
	defer observe(time.Now())
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// --- Hash maps ---

// HashSet writes one field of a hash.
func (c *Client) HashSet(ctx context.Context, key, field, value string) error {
	defer observe(time.Now())
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HashGet returns one field of a hash, or ErrKeyNotFound.
func (c *Client) HashGet(ctx context.Context, key, field string) (string, error) {
	defer observe(time.Now())
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// HashGetAll returns the whole hash. A missing key yields an empty map.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observe(time.Now())
	return c.rdb.HGetAll(ctx, key).Result()
}

// HashDeleteField removes one field of a hash.
func (c *Client) HashDeleteField(ctx context.Context, key, field string) error {
	defer observe(time.Now())
	return c.rdb.HDel(ctx, key, field).Err()
}

// --- Append-only log ---

// StreamAppend appends an entry to a stream and returns the server-assigned
// sequence id.
func (c *Client) StreamAppend(ctx context.Context, key string, values map[string]interface{}) (string, error) {
	defer observe(time.Now())
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
}

// StreamLength returns the number of entries in a stream.
func (c *Client) StreamLength(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return c.rdb.XLen(ctx, key).Result()
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
