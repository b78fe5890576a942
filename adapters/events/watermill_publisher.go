package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// RevocationTopic carries token revocations between instances
const RevocationTopic = "walletauth.token_revoked"

// RevocationEvent represents a revoked session token
type RevocationEvent struct {
	WalletAddress string    `json:"walletAddress"`
	TokenID       string    `json:"jti"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     RevocationTopic,
	}
}

// PublishRevocation publishes a revocation event
func (p *WatermillPublisher) PublishRevocation(ctx context.Context, walletAddress, tokenID string, expiresAt time.Time) error {
	event := RevocationEvent{
		WalletAddress: walletAddress,
		TokenID:       tokenID,
		ExpiresAt:     expiresAt.UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(tokenID, payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
