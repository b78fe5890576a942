package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/isis-anubis/walletauth/core"
	"github.com/isis-anubis/walletauth/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	logger      *slog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, logger *slog.Logger) *AuthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandlers{
		authService: authService,
		logger:      logger,
	}
}

type userResponse struct {
	WalletAddress string `json:"walletAddress"`
	PublicKey     string `json:"publicKey"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	User      userResponse `json:"user"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

func newSessionResponse(token string, session *core.Session) sessionResponse {
	return sessionResponse{
		Token:     token,
		User:      userResponse{WalletAddress: session.WalletAddress, PublicKey: session.PublicKey},
		ExpiresAt: session.ExpiresAt,
	}
}

// Challenge issues a nonce and the message the wallet must sign
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		PublicKey string `json:"publicKey" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.ErrInvalidRequest)
		return
	}

	challenge, err := h.authService.CreateChallenge(c.Request.Context(), req.PublicKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge": challenge.Message,
		"nonce":     challenge.Nonce,
		"expiresAt": challenge.ExpiresAt,
	})
}

// Verify checks the signed challenge and returns a session token
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Message   string `json:"message" binding:"required"`
		Signature string `json:"signature" binding:"required"`
		PublicKey string `json:"publicKey" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.ErrInvalidRequest)
		return
	}

	token, session, err := h.authService.Login(c.Request.Context(), req.Message, req.Signature, req.PublicKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Set(ctxWalletAddress, session.WalletAddress)
	c.JSON(http.StatusOK, newSessionResponse(token, session))
}

// Validate reports whether the bearer token is currently valid
func (h *AuthHandlers) Validate(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		writeError(c, core.ErrUnauthorized)
		return
	}

	session, err := h.authService.Validate(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"user":      userResponse{WalletAddress: session.WalletAddress, PublicKey: session.PublicKey},
		"expiresAt": session.ExpiresAt,
	})
}

// Refresh exchanges a valid token for a new one
func (h *AuthHandlers) Refresh(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		writeError(c, core.ErrUnauthorized)
		return
	}

	newToken, session, err := h.authService.Refresh(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionResponse(newToken, session))
}

// Logout revokes the bearer token when possible and always succeeds
func (h *AuthHandlers) Logout(c *gin.Context) {
	if token, ok := bearerToken(c); ok {
		if err := h.authService.Logout(c.Request.Context(), token); err != nil {
			h.logger.Warn("logout revocation failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Session describes the caller's session if there is one
func (h *AuthHandlers) Session(c *gin.Context) {
	session, ok := SessionFrom(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user":          userResponse{WalletAddress: session.WalletAddress, PublicKey: session.PublicKey},
		"expiresAt":     session.ExpiresAt,
	})
}

// Me returns the authenticated wallet
func (h *AuthHandlers) Me(c *gin.Context) {
	session, ok := SessionFrom(c)
	if !ok {
		writeError(c, core.ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":      userResponse{WalletAddress: session.WalletAddress, PublicKey: session.PublicKey},
		"sessionId": session.ID,
		"expiresAt": session.ExpiresAt,
	})
}

// WalletMe returns the wallet that signed the request headers
func (h *AuthHandlers) WalletMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"walletAddress": c.GetString(ctxWalletAddress)})
}
