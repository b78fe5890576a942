package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/isis-anubis/walletauth/core"
	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/service"
)

const (
	ctxSession       = "session"
	ctxWalletAddress = "walletAddress"

	requestIDHeader = "X-Request-ID"

	headerWalletPubkey    = "X-Wallet-Pubkey"
	headerWalletMessage   = "X-Wallet-Message"
	headerWalletSignature = "X-Wallet-Signature"
	headerTimestamp       = "X-Timestamp"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>" header
func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}

// SessionFrom returns the session set by AuthMiddleware or OptionalAuth
func SessionFrom(c *gin.Context) (*core.Session, bool) {
	v, ok := c.Get(ctxSession)
	if !ok {
		return nil, false
	}
	session, ok := v.(*core.Session)
	return session, ok
}

// AuthMiddleware requires a valid session token
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			writeError(c, core.ErrUnauthorized)
			return
		}

		session, err := authService.Validate(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Set(ctxSession, session)
		c.Set(ctxWalletAddress, session.WalletAddress)
		c.Next()
	}
}

// OptionalAuth attaches the session when a valid token is present and never rejects
func OptionalAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if session, err := authService.Validate(c.Request.Context(), token); err == nil {
				c.Set(ctxSession, session)
				c.Set(ctxWalletAddress, session.WalletAddress)
			}
		}
		c.Next()
	}
}

// WalletHeaderAuth authenticates requests signed directly by the wallet
func WalletHeaderAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, err := authService.VerifyWalletHeaders(c.Request.Context(),
			c.GetHeader(headerWalletPubkey),
			c.GetHeader(headerWalletMessage),
			c.GetHeader(headerWalletSignature),
			c.GetHeader(headerTimestamp),
		)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Set(ctxWalletAddress, wallet)
		c.Next()
	}
}

// TierResolver maps an authenticated wallet to its rate limit tier
type TierResolver func(walletAddress string) service.Tier

// RateLimit enforces policy for the route. Wallet-keyed policies fall back to
// the client IP for anonymous requests, so the middleware must run after any
// auth middleware on the route.
func RateLimit(limiter *service.RateLimiter, policy service.Policy, tiers TierResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetString(ctxWalletAddress)

		effective := policy
		if tiers != nil && wallet != "" {
			effective = policy.ForTier(tiers(wallet))
		}

		key := rateLimitKey(c, effective.KeyBy, wallet)
		res, err := limiter.Hit(c.Request.Context(), effective, key)

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

		if err != nil {
			writeError(c, err)
			return
		}

		c.Next()

		if effective.ShouldUndo(c.Writer.Status() < http.StatusBadRequest) {
			if err := limiter.Undo(c.Request.Context(), effective, key, res.WindowStart); err != nil {
				slog.Warn("failed to undo rate limit hit", "policy", effective.Name, "error", err)
			}
		}
	}
}

func rateLimitKey(c *gin.Context, by service.KeyBy, wallet string) string {
	identity := "ip:" + c.ClientIP()
	if wallet != "" {
		identity = "wallet:" + wallet
	}

	switch by {
	case service.KeyByWallet:
		return identity
	case service.KeyByComposite:
		return identity + ":" + c.FullPath()
	default:
		return "ip:" + c.ClientIP()
	}
}

// RequestLogger tags each request with an id and logs its outcome
func RequestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(route, strconv.Itoa(status))

		attrs := []any{
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if wallet := c.GetString(ctxWalletAddress); wallet != "" {
			attrs = append(attrs, "wallet", wallet)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

// Recovery turns panics into a 500 response
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered", "path", c.Request.URL.Path, "panic", recovered)
		writeError(c, core.ErrInternal)
	})
}
