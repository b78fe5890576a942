package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isis-anubis/walletauth/core"
)

const defaultRedisPrefix = "walletauth:"

// consumeNonceScript deletes the nonce only when it matches. Expiry is left to Redis.
var consumeNonceScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return 0
end
if v == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

var incrWindowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

var decrWindowScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// NewRedisClient parses redisURL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, core.ErrStoreUnavailable, err)
}

// RedisNonceStore is a Redis implementation of NonceStore
type RedisNonceStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisNonceStore creates a new Redis nonce store
func NewRedisNonceStore(client redis.UniversalClient, opts ...Option) *RedisNonceStore {
	return &RedisNonceStore{
		client: client,
		opts:   newOptions(defaultRedisPrefix, opts),
	}
}

func (s *RedisNonceStore) key(publicKey string) string {
	return s.opts.prefix + "nonce:" + publicKey
}

// Issue stores a fresh nonce with the configured TTL, replacing any previous one
func (s *RedisNonceStore) Issue(ctx context.Context, publicKey string) (core.NonceRecord, error) {
	nonce, err := generateNonce()
	if err != nil {
		return core.NonceRecord{}, err
	}

	if err := s.client.Set(ctx, s.key(publicKey), nonce, s.opts.nonceTTL).Err(); err != nil {
		return core.NonceRecord{}, storeErr("failed to store nonce", err)
	}

	return core.NonceRecord{
		PublicKey: publicKey,
		Nonce:     nonce,
		ExpiresAt: s.opts.now().Add(s.opts.nonceTTL),
	}, nil
}

// ValidateAndConsume atomically compares and deletes the nonce
func (s *RedisNonceStore) ValidateAndConsume(ctx context.Context, publicKey, nonce string) (bool, error) {
	res, err := consumeNonceScript.Run(ctx, s.client, []string{s.key(publicKey)}, nonce).Int64()
	if err != nil {
		return false, storeErr("failed to consume nonce", err)
	}
	return res == 1, nil
}

// SweepExpired is a no-op: Redis expires nonce keys itself
func (s *RedisNonceStore) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// RedisBlacklist is a Redis implementation of Blacklist
type RedisBlacklist struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisBlacklist creates a new Redis blacklist
func NewRedisBlacklist(client redis.UniversalClient, opts ...Option) *RedisBlacklist {
	return &RedisBlacklist{
		client: client,
		opts:   newOptions(defaultRedisPrefix, opts),
	}
}

func (s *RedisBlacklist) key(jti string) string {
	return s.opts.prefix + "revoked:" + jti
}

// Revoke sets the revocation key for the remaining lifetime of the token
func (s *RedisBlacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.opts.now())
	if ttl <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, s.key(jti), "1", ttl).Err(); err != nil {
		return storeErr("failed to revoke token", err)
	}
	return nil
}

// IsRevoked checks if the revocation key exists
func (s *RedisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, storeErr("failed to check token revocation", err)
	}
	return n > 0, nil
}

// SweepExpired is a no-op: Redis expires revocation keys itself
func (s *RedisBlacklist) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// RedisRateLimitStore is a Redis implementation of RateLimitStore
type RedisRateLimitStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisRateLimitStore creates a new Redis rate limit store
func NewRedisRateLimitStore(client redis.UniversalClient, opts ...Option) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		opts:   newOptions(defaultRedisPrefix, opts),
	}
}

func (s *RedisRateLimitStore) key(key string, windowStart time.Time) string {
	return s.opts.prefix + "rl:" + key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// Increment bumps the window counter, setting its expiry on the first hit
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error) {
	ttl := windowStart.Add(window).Sub(s.opts.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	total, err := incrWindowScript.Run(ctx, s.client, []string{s.key(key, windowStart)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, storeErr("failed to increment rate limit window", err)
	}
	return total, nil
}

// Decrement undoes one hit, never going below zero
func (s *RedisRateLimitStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	err := decrWindowScript.Run(ctx, s.client, []string{s.key(key, windowStart)}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("failed to decrement rate limit window", err)
	}
	return nil
}

// SweepExpired is a no-op: window keys carry their own TTL
func (s *RedisRateLimitStore) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}
