// Package cache provides the two-tier cache in front of the journey read model.
// L1 is a per-process otter cache, L2 is Redis shared by every API instance,
// and writers broadcast invalidations over Redis pub/sub so peers drop their
// L1 copies.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tierL1 = "l1"
	tierL2 = "l2"

	// formatVersion prefixes every L2 payload. Entries written by an older
	// binary with a different encoding read as misses instead of failing.
	formatVersion = 1

	// generationTTL keeps an invalidation counter far longer than any load
	// that could have read it.
	generationTTL = 24 * time.Hour
)

// ErrCorruptEntry reports an L2 payload that does not match the "version|json" layout.
var ErrCorruptEntry = errors.New("cache: corrupt entry")

// RedisCache is the L2 tier. Values are JSON documents stored as strings
// under "<prefix>:<key>" with a TTL.
type RedisCache[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. The client lifecycle stays with the caller.
func NewRedisCache[V any](client *redis.Client, prefix string, ttl time.Duration) *RedisCache[V] {
	return &RedisCache[V]{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache[V]) redisKey(key string) string {
	return c.prefix + ":" + key
}

// genKey lives outside "<prefix>:" so no cache key can collide with it.
func (c *RedisCache[V]) genKey(key string) string {
	return c.prefix + "-gen:" + key
}

// Get returns the decoded value. A missing key, an expired key or an entry
// written with another format version reports found=false with a nil error.
func (c *RedisCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	payload, err := decodeEntry(raw)
	if errors.Is(err, errStaleFormat) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}

	var v V
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return v, true, nil
}

// Set stores value with the cache TTL.
func (c *RedisCache[V]) Set(ctx context.Context, key string, value V) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), encodeEntry(payload), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Generation returns the key's invalidation counter, zero when the key was
// never invalidated. Take it before loading the value that will be stored.
func (c *RedisCache[V]) Generation(ctx context.Context, key string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis generation %q: %w", key, err)
	}
	return gen, nil
}

// setIfGeneration writes the entry only while the counter still holds the
// expected value. A missing counter reads as zero.
var setIfGeneration = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// SetIfGeneration stores value unless key was invalidated after gen was read.
// It reports whether the value was written.
func (c *RedisCache[V]) SetIfGeneration(ctx context.Context, key string, gen int64, value V) (bool, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}
	stored, err := setIfGeneration.Run(ctx, c.client,
		[]string{c.redisKey(key), c.genKey(key)},
		strconv.FormatInt(gen, 10), encodeEntry(payload), c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis set %q: %w", key, err)
	}
	return stored == 1, nil
}

// Invalidate bumps the key's generation and deletes the entry in one
// MULTI block, so a fill that read the old generation can no longer land.
func (c *RedisCache[V]) Invalidate(ctx context.Context, key string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(key))
		pipe.Expire(ctx, c.genKey(key), generationTTL)
		pipe.Del(ctx, c.redisKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate %q: %w", key, err)
	}
	return nil
}

var errStaleFormat = errors.New("cache: stale entry format")

// encodeEntry produces "<formatVersion>|<json>".
func encodeEntry(payload []byte) []byte {
	prefix := strconv.Itoa(formatVersion) + "|"
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}

// decodeEntry splits an L2 payload and checks its format version.
func decodeEntry(raw []byte) ([]byte, error) {
	version, payload, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("%w: missing version separator", ErrCorruptEntry)
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version %q", ErrCorruptEntry, version)
	}
	if v != formatVersion {
		return nil, errStaleFormat
	}
	return []byte(payload), nil
}
