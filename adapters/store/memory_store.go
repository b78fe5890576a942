package store

import (
	"context"
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/isis-anubis/walletauth/core"
)

// MemoryNonceStore is an in-memory NonceStore for tests and single-node deployments
type MemoryNonceStore struct {
	records *shardedMap[core.NonceRecord]
	opts    options
}

// NewMemoryNonceStore creates a new in-memory nonce store
func NewMemoryNonceStore(opts ...Option) *MemoryNonceStore {
	return &MemoryNonceStore{
		records: newShardedMap[core.NonceRecord](),
		opts:    newOptions("", opts),
	}
}

// Issue stores a fresh nonce for publicKey, overwriting any previous one
func (s *MemoryNonceStore) Issue(ctx context.Context, publicKey string) (core.NonceRecord, error) {
	nonce, err := generateNonce()
	if err != nil {
		return core.NonceRecord{}, err
	}

	record := core.NonceRecord{
		PublicKey: publicKey,
		Nonce:     nonce,
		ExpiresAt: s.opts.now().Add(s.opts.nonceTTL),
	}

	s.records.update(publicKey, func(m map[string]core.NonceRecord) {
		m[publicKey] = record
	})

	return record, nil
}

// ValidateAndConsume deletes and accepts a matching unexpired nonce
func (s *MemoryNonceStore) ValidateAndConsume(ctx context.Context, publicKey, nonce string) (bool, error) {
	ok := false
	s.records.update(publicKey, func(m map[string]core.NonceRecord) {
		record, exists := m[publicKey]
		if !exists {
			return
		}
		if record.Expired(s.opts.now()) {
			delete(m, publicKey)
			return
		}
		if subtle.ConstantTimeCompare([]byte(record.Nonce), []byte(nonce)) != 1 {
			return
		}
		delete(m, publicKey)
		ok = true
	})
	return ok, nil
}

// SweepExpired removes expired nonces
func (s *MemoryNonceStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.opts.now()
	return s.records.sweep(func(r core.NonceRecord) bool { return r.Expired(now) }), nil
}

// Len returns the number of stored nonces
func (s *MemoryNonceStore) Len() int {
	return s.records.len()
}

// MemoryBlacklist is an in-memory Blacklist
type MemoryBlacklist struct {
	entries *shardedMap[core.BlacklistEntry]
	opts    options
}

// NewMemoryBlacklist creates a new in-memory blacklist
func NewMemoryBlacklist(opts ...Option) *MemoryBlacklist {
	return &MemoryBlacklist{
		entries: newShardedMap[core.BlacklistEntry](),
		opts:    newOptions("", opts),
	}
}

// Revoke marks jti as revoked until expiresAt. Revoking twice keeps the later expiry.
func (s *MemoryBlacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if !expiresAt.After(s.opts.now()) {
		return nil
	}

	s.entries.update(jti, func(m map[string]core.BlacklistEntry) {
		if existing, ok := m[jti]; ok && !expiresAt.After(existing.ExpiresAt) {
			return
		}
		m[jti] = core.BlacklistEntry{JTI: jti, ExpiresAt: expiresAt}
	})
	return nil
}

// IsRevoked checks if a token id is revoked
func (s *MemoryBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	revoked := false
	s.entries.update(jti, func(m map[string]core.BlacklistEntry) {
		entry, ok := m[jti]
		revoked = ok && s.opts.now().Before(entry.ExpiresAt)
	})
	return revoked, nil
}

// SweepExpired removes entries whose token would have expired anyway
func (s *MemoryBlacklist) SweepExpired(ctx context.Context) (int, error) {
	now := s.opts.now()
	return s.entries.sweep(func(e core.BlacklistEntry) bool { return !now.Before(e.ExpiresAt) }), nil
}

// Len returns the number of blacklist entries
func (s *MemoryBlacklist) Len() int {
	return s.entries.len()
}

// MemoryRateLimitStore is an in-memory RateLimitStore
type MemoryRateLimitStore struct {
	windows *shardedMap[core.RateLimitEntry]
	opts    options
}

// NewMemoryRateLimitStore creates a new in-memory rate limit store
func NewMemoryRateLimitStore(opts ...Option) *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		windows: newShardedMap[core.RateLimitEntry](),
		opts:    newOptions("", opts),
	}
}

func windowKey(key string, windowStart time.Time) string {
	return key + "|" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// Increment adds a hit to the (key, windowStart) counter
func (s *MemoryRateLimitStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error) {
	wk := windowKey(key, windowStart)
	var total int64
	s.windows.update(wk, func(m map[string]core.RateLimitEntry) {
		entry, ok := m[wk]
		if !ok {
			entry = core.RateLimitEntry{Key: key, ResetTime: windowStart.Add(window)}
		}
		entry.TotalHits++
		m[wk] = entry
		total = entry.TotalHits
	})
	return total, nil
}

// Decrement removes one hit from the window counter
func (s *MemoryRateLimitStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	wk := windowKey(key, windowStart)
	s.windows.update(wk, func(m map[string]core.RateLimitEntry) {
		entry, ok := m[wk]
		if !ok || entry.TotalHits <= 0 {
			return
		}
		entry.TotalHits--
		m[wk] = entry
	})
	return nil
}

// SweepExpired drops windows whose reset time has passed
func (s *MemoryRateLimitStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.opts.now()
	return s.windows.sweep(func(e core.RateLimitEntry) bool { return !now.Before(e.ResetTime) }), nil
}

// Len returns the number of live windows
func (s *MemoryRateLimitStore) Len() int {
	return s.windows.len()
}
