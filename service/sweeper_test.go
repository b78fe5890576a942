package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isis-anubis/walletauth/adapters/store"
)

func TestSweeperRunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()

	nonces := store.NewMemoryNonceStore(store.WithClock(clock.Now))
	blacklist := store.NewMemoryBlacklist(store.WithClock(clock.Now))

	_, err := nonces.Issue(ctx, "Wallet1")
	require.NoError(t, err)
	_, err = nonces.Issue(ctx, "Wallet2")
	require.NoError(t, err)
	require.NoError(t, blacklist.Revoke(ctx, "jti-1", clock.Now().Add(time.Hour)))

	sweeper := NewSweeper(nil, nil)
	sweeper.Register("nonces", nonces)
	sweeper.Register("blacklist", blacklist)
	sweeper.Register("broken", failingNonceStore{})
	sweeper.Register("nil", nil)

	assert.Equal(t, map[string]int{"nonces": 0, "blacklist": 0}, sweeper.RunOnce(ctx))

	clock.Advance(time.Hour)
	assert.Equal(t, map[string]int{"nonces": 2, "blacklist": 1}, sweeper.RunOnce(ctx))
	assert.Equal(t, 0, nonces.Len())
	assert.Equal(t, 0, blacklist.Len())

	// idempotent
	assert.Equal(t, map[string]int{"nonces": 0, "blacklist": 0}, sweeper.RunOnce(ctx))
}

func TestSweeperStartStopsWithContext(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	nonces := store.NewMemoryNonceStore(store.WithClock(clock.Now), store.WithNonceTTL(time.Millisecond))

	_, err := nonces.Issue(context.Background(), "Wallet1")
	require.NoError(t, err)
	clock.Advance(time.Second)

	sweeper := NewSweeper(nil, nil)
	sweeper.Register("nonces", nonces)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return nonces.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
