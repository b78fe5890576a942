package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a real database, e.g.
// WALLETAUTH_TEST_DATABASE_URL=postgres://localhost/walletauth_test go test ./adapters/store
func TestPostgresStores(t *testing.T) {
	url := os.Getenv("WALLETAUTH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WALLETAUTH_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := OpenPostgres(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	t.Run("nonce lifecycle", func(t *testing.T) {
		clock := newFakeClock()
		s := NewPostgresNonceStore(pool, WithClock(clock.Now))
		pk := "pk-" + uuid.NewString()

		first, err := s.Issue(ctx, pk)
		require.NoError(t, err)
		second, err := s.Issue(ctx, pk)
		require.NoError(t, err)

		ok, err := s.ValidateAndConsume(ctx, pk, first.Nonce)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ValidateAndConsume(ctx, pk, second.Nonce)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ValidateAndConsume(ctx, pk, second.Nonce)
		require.NoError(t, err)
		assert.False(t, ok)

		third, err := s.Issue(ctx, pk)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
		ok, err = s.ValidateAndConsume(ctx, pk, third.Nonce)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("blacklist lifecycle", func(t *testing.T) {
		clock := newFakeClock()
		b := NewPostgresBlacklist(pool, WithClock(clock.Now))
		jti := uuid.NewString()

		require.NoError(t, b.Revoke(ctx, jti, clock.Now().Add(time.Hour)))
		require.NoError(t, b.Revoke(ctx, jti, clock.Now().Add(time.Hour)))

		revoked, err := b.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked)

		clock.Advance(2 * time.Hour)
		revoked, err = b.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.False(t, revoked)

		removed, err := b.SweepExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)
	})
}
