package ports

import (
	"context"
	"time"

	"github.com/isis-anubis/walletauth/core"
)

// NonceStore issues and single-use-validates per-public-key nonces
type NonceStore interface {
	// Issue creates a fresh nonce for publicKey, replacing any previous one
	Issue(ctx context.Context, publicKey string) (core.NonceRecord, error)

	// ValidateAndConsume returns true and removes the record only when it exists,
	// has not expired and matches nonce
	ValidateAndConsume(ctx context.Context, publicKey, nonce string) (bool, error)

	// SweepExpired drops expired records and reports how many were removed
	SweepExpired(ctx context.Context) (int, error)
}

// Blacklist records revoked token ids until their natural expiry
type Blacklist interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
}

// RateLimitStore keeps fixed-window counters keyed by (key, windowStart)
type RateLimitStore interface {
	// Increment bumps the counter for the window and returns the new total
	Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error)

	// Decrement undoes one hit in the window, never going below zero
	Decrement(ctx context.Context, key string, windowStart time.Time) error

	SweepExpired(ctx context.Context) (int, error)
}

// Sweepable is any store with expiring state
type Sweepable interface {
	SweepExpired(ctx context.Context) (int, error)
}
