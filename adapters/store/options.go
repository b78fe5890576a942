package store

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mr-tron/base58"

	"github.com/isis-anubis/walletauth/core"
)

const (
	shardCount = 32
	nonceBytes = 32
)

// Option configures a store
type Option func(*options)

type options struct {
	now      func() time.Time
	nonceTTL time.Duration
	prefix   string
}

func newOptions(defaultPrefix string, opts []Option) options {
	o := options{
		now:      time.Now,
		nonceTTL: core.DefaultNonceTTL,
		prefix:   defaultPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithNonceTTL sets how long issued nonces stay valid
func WithNonceTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.nonceTTL = ttl
		}
	}
}

// WithPrefix sets the key prefix used by the Redis stores
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func generateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base58.Encode(buf), nil
}

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// shardedMap spreads keys over independently locked shards so that
// read-modify-write on one key never races and unrelated keys rarely contend.
type shardedMap[V any] struct {
	shards [shardCount]*shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *shardedMap[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

// update runs fn with the shard for key locked
func (s *shardedMap[V]) update(key string, fn func(m map[string]V)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh.m)
}

// sweep deletes every entry for which expired returns true
func (s *shardedMap[V]) sweep(expired func(V) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.m {
			if expired(v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *shardedMap[V]) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
