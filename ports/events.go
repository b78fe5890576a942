package ports

import (
	"context"
	"time"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishRevocation(ctx context.Context, walletAddress, tokenID string, expiresAt time.Time) error
}
