// Package cache is a typed gateway over the shared key/value store that
// holds all transient per-room signaling state: atomic values, hashes, lists,
// sets, sorted sets, and a fencing-token distributed mutex. It mirrors the
// circuit-breaker-wrapped, degrade-gracefully shape of the bus gateway
// (internal/v1/bus), talking to the same Redis instance through its own
// client.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrTransport is wrapped by any error caused by the cache being unreachable,
// as distinct from a decode failure on an otherwise-successful round trip.
var ErrTransport = errors.New("cache: transport failure")

// ErrDecode is wrapped by any error caused by a value in the cache not
// decoding the way the caller expected.
var ErrDecode = errors.New("cache: decode failure")

// ErrNotFound indicates the requested key (or field) does not exist.
var ErrNotFound = errors.New("cache: not found")

// Gateway is a typed wrapper around a shared Redis instance.
type Gateway struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New creates a Gateway connected to addr, verifying connectivity immediately.
func New(addr, password string, db int) (*Gateway, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	st := gobreaker.Settings{
		Name:        "cache",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("cache").Set(stateVal)
		},
	}

	return &Gateway{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewFromClient wraps an already-constructed client (used by tests against
// miniredis, and by callers composing their own redis.Options).
func NewFromClient(client *redis.Client) *Gateway {
	return &Gateway{
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cache",
			Timeout: 15 * time.Second,
		}),
	}
}

func (g *Gateway) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := g.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("cache").Inc()
			metrics.RedisOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrTransport)
		}
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Ping verifies connectivity, used by health checks.
func (g *Gateway) Ping(ctx context.Context) error {
	if g == nil || g.client == nil {
		return nil
	}
	_, err := g.execute(ctx, "ping", func() (any, error) { return nil, g.client.Ping(ctx).Err() })
	return err
}

// --- Atomic values ---

// Set stores a raw value with an optional TTL (0 disables expiry).
func (g *Gateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := g.execute(ctx, "set", func() (any, error) {
		return nil, g.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// Get fetches a raw value. Returns ErrNotFound if the key is absent.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := g.execute(ctx, "get", func() (any, error) {
		return g.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		if containsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res.([]byte), nil
}

// Del removes one or more keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := g.execute(ctx, "del", func() (any, error) {
		return nil, g.client.Del(ctx, keys...).Err()
	})
	return err
}

func containsRedisNil(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if err == redis.Nil {
			return true
		}
	}
	return false
}

// --- Hashes ---

// HSet sets one field of a hash.
func (g *Gateway) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := g.execute(ctx, "hset", func() (any, error) {
		return nil, g.client.HSet(ctx, key, field, value).Err()
	})
	return err
}

// HGet reads one field of a hash.
func (g *Gateway) HGet(ctx context.Context, key, field string) ([]byte, error) {
	res, err := g.execute(ctx, "hget", func() (any, error) {
		return g.client.HGet(ctx, key, field).Bytes()
	})
	if err != nil {
		if containsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res.([]byte), nil
}

// HDel removes one or more fields of a hash.
func (g *Gateway) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := g.execute(ctx, "hdel", func() (any, error) {
		return nil, g.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// HGetAll performs an atomic batch read of every field in a hash.
func (g *Gateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := g.execute(ctx, "hgetall", func() (any, error) {
		return g.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// --- Ordered sequences (lists) ---

// RPush appends values to the tail of a list (queue-like usage, e.g. playlist).
func (g *Gateway) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := g.execute(ctx, "rpush", func() (any, error) {
		return nil, g.client.RPush(ctx, key, args...).Err()
	})
	return err
}

// LPopFirst removes and returns the head of a list, or ErrNotFound if empty.
func (g *Gateway) LPopFirst(ctx context.Context, key string) ([]byte, error) {
	res, err := g.execute(ctx, "lpop", func() (any, error) {
		return g.client.LPop(ctx, key).Bytes()
	})
	if err != nil {
		if containsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res.([]byte), nil
}

// LRemAll removes every occurrence of value from a list.
func (g *Gateway) LRemAll(ctx context.Context, key string, value []byte) error {
	_, err := g.execute(ctx, "lrem", func() (any, error) {
		return nil, g.client.LRem(ctx, key, 0, value).Err()
	})
	return err
}

// LRemFirst removes the first occurrence of value from a list, searching
// from the head. Used where a queue-like structure must drop one scheduled
// occurrence without disturbing any duplicates still queued behind it.
func (g *Gateway) LRemFirst(ctx context.Context, key string, value []byte) error {
	_, err := g.execute(ctx, "lrem", func() (any, error) {
		return nil, g.client.LRem(ctx, key, 1, value).Err()
	})
	return err
}

// LRange returns the list contents from start to stop inclusive (0, -1 = all).
func (g *Gateway) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	res, err := g.execute(ctx, "lrange", func() (any, error) {
		return g.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	strs := res.([]string)
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out, nil
}

// --- Sets ---

// SAdd adds a member to a set.
func (g *Gateway) SAdd(ctx context.Context, key, member string) error {
	_, err := g.execute(ctx, "sadd", func() (any, error) {
		return nil, g.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SRem removes a member from a set.
func (g *Gateway) SRem(ctx context.Context, key, member string) error {
	_, err := g.execute(ctx, "srem", func() (any, error) {
		return nil, g.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SIsMember reports whether member is present in the set.
func (g *Gateway) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := g.execute(ctx, "sismember", func() (any, error) {
		return g.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// SCard returns the cardinality of a set.
func (g *Gateway) SCard(ctx context.Context, key string) (int64, error) {
	res, err := g.execute(ctx, "scard", func() (any, error) {
		return g.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// SMembers returns every member of a set.
func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := g.execute(ctx, "smembers", func() (any, error) {
		return g.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Sorted sets ---

// ZIncrBy atomically increments member's score in a sorted set, used for the
// SFU pool's subscriber-load tracking (least-loaded placement).
func (g *Gateway) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	res, err := g.execute(ctx, "zincrby", func() (any, error) {
		return g.client.ZIncrBy(ctx, key, increment, member).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// ZRangeByScoreAsc returns members in ascending score order (least-loaded
// first), used to pick a placement backend.
func (g *Gateway) ZRangeByScoreAsc(ctx context.Context, key string) ([]string, error) {
	res, err := g.execute(ctx, "zrange", func() (any, error) {
		return g.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// ZRem removes a member from a sorted set entirely (backend removal).
func (g *Gateway) ZRem(ctx context.Context, key, member string) error {
	_, err := g.execute(ctx, "zrem", func() (any, error) {
		return nil, g.client.ZRem(ctx, key, member).Err()
	})
	return err
}
