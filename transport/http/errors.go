package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/isis-anubis/walletauth/core"
)

// writeError maps service errors to a status code and JSON body and aborts the chain
func writeError(c *gin.Context, err error) {
	var rlErr *core.RateLimitError
	if errors.As(err, &rlErr) {
		retryAfter := rlErr.RetryAfterSeconds()
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "Too many requests",
			"code":       "RATE_LIMITED",
			"retryAfter": retryAfter,
		})
		return
	}

	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, core.ErrInvalidPublicKey):
		return http.StatusBadRequest, "INVALID_PUBLIC_KEY", "Invalid public key"
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST", "Invalid request"
	case errors.Is(err, core.ErrTokenExpired):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired"
	case errors.Is(err, core.ErrTokenRevoked):
		return http.StatusUnauthorized, "TOKEN_REVOKED", "Token has been revoked"
	case errors.Is(err, core.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token"
	case errors.Is(err, core.ErrInvalidSignature):
		return http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid signature"
	case errors.Is(err, core.ErrInvalidNonce):
		return http.StatusUnauthorized, "INVALID_NONCE", "Invalid or expired challenge"
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"
	case errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}
