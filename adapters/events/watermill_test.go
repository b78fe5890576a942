package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isis-anubis/walletauth/adapters/store"
)

func TestRevocationRoundTrip(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	blacklist := store.NewMemoryBlacklist()
	sub := NewRevocationSubscriber(pubSub, blacklist)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	pub := NewWatermillPublisher(pubSub)
	expiresAt := time.Now().Add(time.Hour)

	// gochannel drops messages published before the subscription exists
	require.Eventually(t, func() bool {
		_ = pub.PublishRevocation(ctx, "Wallet1", "jti-remote", expiresAt)
		revoked, _ := blacklist.IsRevoked(ctx, "jti-remote")
		return revoked
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscriberDropsMalformedEvents(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	blacklist := store.NewMemoryBlacklist()
	sub := NewRevocationSubscriber(pubSub, blacklist)

	msg := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	sub.handle(context.Background(), msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("malformed message should be acked")
	}
	assert.Equal(t, 0, blacklist.Len())
}
