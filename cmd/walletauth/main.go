package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/isis-anubis/walletauth/adapters/events"
	"github.com/isis-anubis/walletauth/adapters/store"
	"github.com/isis-anubis/walletauth/adapters/tokenizer"
	"github.com/isis-anubis/walletauth/adapters/verifier"
	"github.com/isis-anubis/walletauth/config"
	"github.com/isis-anubis/walletauth/internal/logger"
	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/ports"
	"github.com/isis-anubis/walletauth/service"
	transport "github.com/isis-anubis/walletauth/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.SetDefault(logger.New(os.Stdout, cfg.Env, cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("walletauth exited", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	nonces    ports.NonceStore
	blacklist ports.Blacklist
	rateLimit ports.RateLimitStore
	closers   []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	opts := []store.Option{store.WithNonceTTL(cfg.Auth.NonceTTL), store.WithPrefix(cfg.Store.RedisPrefix)}
	s := &stores{}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := store.NewRedisClient(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.nonces = store.NewRedisNonceStore(client, opts...)
		s.blacklist = store.NewRedisBlacklist(client, opts...)
		s.rateLimit = store.NewRedisRateLimitStore(client, opts...)

	case config.BackendPostgres:
		pool, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		s.nonces = store.NewPostgresNonceStore(pool, opts...)
		s.blacklist = store.NewPostgresBlacklist(pool, opts...)

		// Rate limit counters go to redis when configured, memory otherwise
		if cfg.Store.RedisURL != "" {
			client, err := store.NewRedisClient(ctx, cfg.Store.RedisURL)
			if err != nil {
				s.close()
				return nil, err
			}
			s.closers = append(s.closers, func() { _ = client.Close() })
			s.rateLimit = store.NewRedisRateLimitStore(client, opts...)
		} else {
			s.rateLimit = store.NewMemoryRateLimitStore(opts...)
		}

	default:
		s.nonces = store.NewMemoryNonceStore(opts...)
		s.blacklist = store.NewMemoryBlacklist(opts...)
		s.rateLimit = store.NewMemoryRateLimitStore(opts...)
	}

	slog.Info("stores ready", "backend", cfg.Store.Backend)
	return s, nil
}

// startEvents wires the revocation publisher and a per-instance subscriber
func startEvents(ctx context.Context, cfg *config.Config, blacklist ports.Blacklist) (ports.EventPublisher, func(), error) {
	opts, err := redis.ParseURL(cfg.EventsRedisURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse events redis URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	wmLogger := watermill.NewStdLogger(false, false)
	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		wmLogger,
	)
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	// Each instance needs every revocation, so each gets its own consumer group
	group := cfg.Events.ConsumerGroup
	if group == "" {
		group = "walletauth-" + uuid.NewString()
	}
	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: group,
		},
		wmLogger,
	)
	if err != nil {
		_ = publisher.Close()
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}

	go func() {
		if err := events.NewRevocationSubscriber(subscriber, blacklist).Run(ctx); err != nil {
			slog.Error("revocation subscriber stopped", "error", err)
		}
	}()

	closeFn := func() {
		_ = subscriber.Close()
		_ = publisher.Close()
		_ = redisClient.Close()
	}

	slog.Info("revocation events enabled", "topic", events.RevocationTopic, "consumer_group", group)
	return events.NewWatermillPublisher(publisher), closeFn, nil
}

func tierResolver(cfg *config.Config) (transport.TierResolver, error) {
	tiers, err := cfg.RateLimit.TierMap()
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, nil
	}
	return func(wallet string) service.Tier {
		if tier, ok := tiers[wallet]; ok {
			return service.Tier(tier)
		}
		return service.TierFree
	}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	tk, err := tokenizer.NewJWTTokenizer([]byte(cfg.Auth.JWTSecret), st.blacklist,
		tokenizer.WithTTL(cfg.Auth.SessionTTL),
		tokenizer.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return err
	}

	authOpts := []service.AuthOption{
		service.WithMetrics(m),
		service.WithWalletHeaderSkew(cfg.Auth.WalletHeaderSkew),
	}
	if cfg.Events.Enabled {
		pub, closeEvents, err := startEvents(ctx, cfg, st.blacklist)
		if err != nil {
			return err
		}
		defer closeEvents()
		authOpts = append(authOpts, service.WithEventPublisher(pub))
	}

	authService := service.NewAuthService(st.nonces, tk, verifier.NewMultiVerifier(cfg.Auth.EnableEVM), st.blacklist, authOpts...)
	limiter := service.NewRateLimiter(st.rateLimit, service.WithLimiterMetrics(m))

	sweeper := service.NewSweeper(slog.Default(), m)
	sweeper.Register("nonces", st.nonces)
	sweeper.Register("blacklist", st.blacklist)
	sweeper.Register("rate_limit", st.rateLimit)
	go sweeper.Start(ctx, cfg.Sweep.Interval)

	tiers, err := tierResolver(cfg)
	if err != nil {
		return err
	}

	handler, err := transport.NewHandler(transport.RouterConfig{
		AuthService:    authService,
		Limiter:        limiter,
		Tiers:          tiers,
		Metrics:        m,
		Gatherer:       registry,
		Logger:         slog.Default(),
		TrustedProxies: cfg.Server.TrustedProxies,
	}, cfg.Server.AllowedOrigins)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("walletauth listening", "addr", cfg.Server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
