// redis.go -- go-redis backend for the shared keyed store.
//
// Holds rate-limit counters and lock records shared by all instances.
// Multi-step operations run as Lua scripts so each is a single atomic
// command on the Redis server.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its expiry on the first hit of a window.
// A counter left without expiry (e.g. written by an older client) is repaired.
// Returns {count, pttl_ms}.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// setIfAbsentOrEqualScript writes ARGV[1] with PX ARGV[2] when the key is free
// or already holds the same value (re-entry by the same owner refreshes the TTL).
var setIfAbsentOrEqualScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// deleteIfEqualScript removes the key only when it holds ARGV[1].
var deleteIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewRedisClient parses redisURL, connects, and pings before returning.
// Call once at startup; all Redis-backed structs share the returned pool.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisKV implements KV on a shared Redis client.
type RedisKV struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisKV wraps an existing client. Safe for concurrent use.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb, now: time.Now}
}

// Get reads value and remaining TTL in one round trip.
func (s *RedisKV) Get(ctx context.Context, key string) (Entry, error) {
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("fetching %s: %w", key, err)
	}

	val, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("fetching %s: %w", key, err)
	}

	entry := Entry{Value: val}
	// PTTL reports -1 for "no expiry"; only positive values carry a deadline.
	if ttl := pttl.Val(); ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	return entry, nil
}

// Set writes key with ttl; ttl <= 0 stores without expiry.
func (s *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Incr runs incrScript and converts the remaining TTL into an absolute reset time.
func (s *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{key}, pxMillis(ttl)).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: unexpected reply %v", key, res)
	}
	return res[0], s.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

// SetIfAbsentOrEqual runs setIfAbsentOrEqualScript.
func (s *RedisKV) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := setIfAbsentOrEqualScript.Run(ctx, s.rdb, []string{key}, value, pxMillis(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("conditional set %s: %w", key, err)
	}
	return n == 1, nil
}

// DeleteIfEqual runs deleteIfEqualScript.
func (s *RedisKV) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqualScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("conditional delete %s: %w", key, err)
	}
	return n == 1, nil
}

// pxMillis converts ttl for PX/PEXPIRE. Redis rejects PX 0 and PEXPIRE 0
// deletes the key, so anything under a millisecond rounds up to one.
func pxMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// Ping checks Redis connectivity.
func (s *RedisKV) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
