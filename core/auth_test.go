package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	record := NonceRecord{PublicKey: "Wallet1", Nonce: "abc123", ExpiresAt: now.Add(DefaultNonceTTL)}

	challenge := NewChallenge(record, now)
	assert.Contains(t, challenge.Message, "Wallet: Wallet1")
	assert.Contains(t, challenge.Message, "Nonce: abc123")
	assert.Contains(t, challenge.Message, "Expires At: 2026-01-02T03:09:05Z")

	pk, nonce, err := ParseChallenge(challenge.Message)
	require.NoError(t, err)
	assert.Equal(t, "Wallet1", pk)
	assert.Equal(t, "abc123", nonce)
}

func TestParseChallengeRejectsIncompleteMessage(t *testing.T) {
	t.Parallel()

	_, _, err := ParseChallenge("Wallet: Wallet1\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, _, err = ParseChallenge("")
	require.Error(t, err)
}

func TestExpiryBoundaries(t *testing.T) {
	t.Parallel()

	now := time.Now()
	record := NonceRecord{ExpiresAt: now}
	assert.True(t, record.Expired(now))
	assert.False(t, record.Expired(now.Add(-time.Nanosecond)))

	session := Session{ExpiresAt: now.Add(time.Second)}
	assert.False(t, session.Expired(now))
	assert.True(t, session.Expired(now.Add(time.Second)))
}

func TestRateLimitErrorRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(2), (&RateLimitError{RetryAfter: 1500 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, int64(1), (&RateLimitError{RetryAfter: 0}).RetryAfterSeconds())
	assert.Equal(t, int64(900), (&RateLimitError{RetryAfter: 15 * time.Minute}).RetryAfterSeconds())
}
