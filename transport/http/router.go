package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/service"
)

// RouterConfig holds the router's dependencies
type RouterConfig struct {
	AuthService *service.AuthService
	Limiter     *service.RateLimiter
	Policies    map[string]service.Policy
	Tiers       TierResolver
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger

	// TrustedProxies lists the proxy IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are honoured. Empty means the peer address is the client.
	TrustedProxies []string
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) (*gin.Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = service.DefaultPolicies()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(RequestLogger(logger, cfg.Metrics), Recovery(logger))

	handlers := NewAuthHandlers(cfg.AuthService, logger)
	limit := func(name string) gin.HandlerFunc {
		return RateLimit(cfg.Limiter, policies[name], cfg.Tiers)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Auth routes
	auth := router.Group("/api/auth")
	{
		auth.POST("/challenge", limit(service.PolicyAuth), handlers.Challenge)
		auth.POST("/verify", limit(service.PolicyAuth), handlers.Verify)
		auth.POST("/refresh", limit(service.PolicyAuth), handlers.Refresh)
		auth.POST("/validate", limit(service.PolicyGeneral), handlers.Validate)
		auth.POST("/logout", handlers.Logout)
		auth.GET("/session", OptionalAuth(cfg.AuthService), limit(service.PolicyGeneral), handlers.Session)
	}

	// Protected API routes
	api := router.Group("/api")
	{
		api.GET("/me", AuthMiddleware(cfg.AuthService), limit(service.PolicyGeneral), handlers.Me)
		api.GET("/wallet/me", WalletHeaderAuth(cfg.AuthService), limit(service.PolicyGeneral), handlers.WalletMe)
	}

	return router, nil
}

// CORS allows browser wallets on origins to call the API
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", requestIDHeader,
			headerWalletSignature, headerWalletMessage, headerWalletPubkey, headerTimestamp,
		},
		ExposedHeaders: []string{
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"Retry-After", requestIDHeader,
		},
		MaxAge:           3600,
		AllowCredentials: false,
	})

	return handler.Handler
}

// NewHandler builds the full HTTP handler: CORS in front of the router
func NewHandler(cfg RouterConfig, origins []string) (http.Handler, error) {
	router, err := SetupRouter(cfg)
	if err != nil {
		return nil, err
	}
	return CORS(origins)(router), nil
}
