package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/isis-anubis/walletauth/core"
	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/ports"
)

// KeyBy selects which request identity a policy counts against
type KeyBy int

const (
	KeyByIP KeyBy = iota
	KeyByWallet
	KeyByComposite
)

// Policy is a fixed-window limit for one endpoint class
type Policy struct {
	Name   string
	Window time.Duration
	Max    int64
	KeyBy  KeyBy

	// Skipped responses are uncounted after the handler runs
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
}

const (
	PolicyAuth     = "auth"
	PolicyMessages = "messages"
	PolicyChats    = "chats"
	PolicyAI       = "ai"
	PolicyUpload   = "upload"
	PolicySearch   = "search"
	PolicyGeneral  = "general"
)

// DefaultPolicies returns the built-in endpoint classes
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAuth:     {Name: PolicyAuth, Window: 15 * time.Minute, Max: 10, KeyBy: KeyByIP},
		PolicyMessages: {Name: PolicyMessages, Window: time.Minute, Max: 30, KeyBy: KeyByWallet},
		PolicyChats:    {Name: PolicyChats, Window: time.Minute, Max: 20, KeyBy: KeyByWallet},
		PolicyAI:       {Name: PolicyAI, Window: time.Minute, Max: 10, KeyBy: KeyByWallet},
		PolicyUpload:   {Name: PolicyUpload, Window: time.Hour, Max: 5, KeyBy: KeyByWallet},
		PolicySearch:   {Name: PolicySearch, Window: time.Minute, Max: 60, KeyBy: KeyByWallet},
		PolicyGeneral:  {Name: PolicyGeneral, Window: 15 * time.Minute, Max: 100, KeyBy: KeyByComposite},
	}
}

// Tier is a subscription level that scales policy limits
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierProPlus Tier = "pro_plus"
	TierAdmin   Tier = "admin"
)

var tierMultipliers = map[Tier]decimal.Decimal{
	TierFree:    decimal.NewFromInt(1),
	TierPro:     decimal.RequireFromString("2.5"),
	TierProPlus: decimal.NewFromInt(5),
	TierAdmin:   decimal.NewFromInt(10),
}

// Multiplier returns the tier's limit multiplier; unknown tiers count as free
func (t Tier) Multiplier() decimal.Decimal {
	if m, ok := tierMultipliers[t]; ok {
		return m
	}
	return tierMultipliers[TierFree]
}

// ForTier scales Max by the tier multiplier, floored, never below one
func (p Policy) ForTier(tier Tier) Policy {
	scaled := decimal.NewFromInt(p.Max).Mul(tier.Multiplier()).Floor().IntPart()
	if scaled < 1 {
		scaled = 1
	}
	p.Max = scaled
	return p
}

// RateLimitResult describes the state of a key after a hit
type RateLimitResult struct {
	Allowed     bool
	Limit       int64
	Remaining   int64
	ResetTime   time.Time
	RetryAfter  time.Duration
	WindowStart time.Time
}

// RateLimiter counts hits per (key, window) on a RateLimitStore
type RateLimiter struct {
	store   ports.RateLimitStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock overrides the time source
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLimiterMetrics counts rejected requests
func WithLimiterMetrics(m *metrics.Metrics) RateLimiterOption {
	return func(l *RateLimiter) { l.metrics = m }
}

// NewRateLimiter creates a new fixed-window rate limiter
func NewRateLimiter(store ports.RateLimitStore, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowStart aligns now to the start of its fixed window
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		return now
	}
	return time.UnixMilli(ms - ms%w)
}

// Hit counts one request for key under policy. A rejected hit returns a
// *core.RateLimitError; a store failure returns core.ErrStoreUnavailable and
// the result is not allowed.
func (l *RateLimiter) Hit(ctx context.Context, policy Policy, key string) (RateLimitResult, error) {
	now := l.now()
	start := WindowStart(now, policy.Window)
	reset := start.Add(policy.Window)

	result := RateLimitResult{
		Limit:       policy.Max,
		ResetTime:   reset,
		WindowStart: start,
	}

	total, err := l.store.Increment(ctx, policy.Name+":"+key, start, policy.Window)
	if err != nil {
		return result, fmt.Errorf("rate limit %s: %w", policy.Name, err)
	}

	result.Remaining = policy.Max - total
	if result.Remaining < 0 {
		result.Remaining = 0
	}

	if total > policy.Max {
		result.RetryAfter = reset.Sub(now)
		l.metrics.RateLimited(policy.Name)
		return result, &core.RateLimitError{
			Policy:     policy.Name,
			Limit:      policy.Max,
			ResetTime:  reset,
			RetryAfter: result.RetryAfter,
		}
	}

	result.Allowed = true
	return result, nil
}

// Undo removes one hit from the window that Hit reported
func (l *RateLimiter) Undo(ctx context.Context, policy Policy, key string, windowStart time.Time) error {
	if err := l.store.Decrement(ctx, policy.Name+":"+key, windowStart); err != nil {
		return fmt.Errorf("rate limit %s: %w", policy.Name, err)
	}
	return nil
}

// ShouldUndo reports whether an allowed request's hit must be removed once
// the outcome is known
func (p Policy) ShouldUndo(succeeded bool) bool {
	if succeeded {
		return p.SkipSuccessfulRequests
	}
	return p.SkipFailedRequests
}
