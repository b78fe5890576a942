package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenRevoked     = errors.New("token has been revoked")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidNonce     = errors.New("invalid or expired nonce")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternal         = errors.New("internal error")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RateLimitError is returned when a key has exhausted its window
type RateLimitError struct {
	Policy     string
	Limit      int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Policy, e.RetryAfter)
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
