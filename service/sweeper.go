package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/ports"
)

type sweepTarget struct {
	name  string
	store ports.Sweepable
}

// Sweeper periodically drops expired state from registered stores
type Sweeper struct {
	mu      sync.Mutex
	targets []sweepTarget
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSweeper creates a sweeper with no targets
func NewSweeper(logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{metrics: m, logger: logger}
}

// Register adds a store under name. Nil stores are ignored.
func (s *Sweeper) Register(name string, store ports.Sweepable) {
	if store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, sweepTarget{name: name, store: store})
}

// RunOnce sweeps every store in registration order and returns removals per name.
// A failing store is logged and skipped.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	s.mu.Lock()
	targets := make([]sweepTarget, len(s.targets))
	copy(targets, s.targets)
	s.mu.Unlock()

	removed := make(map[string]int, len(targets))
	for _, t := range targets {
		n, err := t.store.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", "store", t.name, "error", err)
			continue
		}
		removed[t.name] = n
		s.metrics.Swept(t.name, n)
		if n > 0 {
			s.logger.Debug("swept expired entries", "store", t.name, "removed", n)
		}
	}
	return removed
}

// Start runs RunOnce every interval until ctx is done
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
