package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/isis-anubis/walletauth/ports"
)

// RevocationSubscriber applies revocations published by other instances to the local blacklist
type RevocationSubscriber struct {
	subscriber message.Subscriber
	blacklist  ports.Blacklist
	topic      string
}

// NewRevocationSubscriber creates a new subscriber
func NewRevocationSubscriber(subscriber message.Subscriber, blacklist ports.Blacklist) *RevocationSubscriber {
	return &RevocationSubscriber{
		subscriber: subscriber,
		blacklist:  blacklist,
		topic:      RevocationTopic,
	}
}

// Run consumes revocation events until ctx is cancelled or the subscription closes
func (s *RevocationSubscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *RevocationSubscriber) handle(ctx context.Context, msg *message.Message) {
	var event RevocationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil || event.TokenID == "" {
		// Malformed events are dropped, redelivery would not fix them
		slog.Warn("dropping malformed revocation event", "message_uuid", msg.UUID, "error", err)
		msg.Ack()
		return
	}

	if err := s.blacklist.Revoke(ctx, event.TokenID, event.ExpiresAt); err != nil {
		slog.Error("failed to apply revocation event", "jti", event.TokenID, "error", err)
		msg.Nack()
		return
	}

	slog.Debug("applied revocation event", "jti", event.TokenID, "wallet", event.WalletAddress)
	msg.Ack()
}
