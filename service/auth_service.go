package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/isis-anubis/walletauth/core"
	"github.com/isis-anubis/walletauth/internal/metrics"
	"github.com/isis-anubis/walletauth/ports"
)

// AuthService handles authentication business logic
type AuthService struct {
	nonces    ports.NonceStore
	tokenizer ports.Tokenizer
	verifier  ports.SignatureVerifier
	blacklist ports.Blacklist
	eventPub  ports.EventPublisher

	metrics          *metrics.Metrics
	now              func() time.Time
	walletHeaderSkew time.Duration
}

// AuthOption configures an AuthService
type AuthOption func(*AuthService)

// WithMetrics records auth outcomes
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(s *AuthService) { s.metrics = m }
}

// WithEventPublisher announces revocations to other instances
func WithEventPublisher(pub ports.EventPublisher) AuthOption {
	return func(s *AuthService) { s.eventPub = pub }
}

// WithAuthClock overrides the time source
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWalletHeaderSkew bounds how far X-Timestamp may drift from server time
func WithWalletHeaderSkew(skew time.Duration) AuthOption {
	return func(s *AuthService) {
		if skew > 0 {
			s.walletHeaderSkew = skew
		}
	}
}

// NewAuthService creates a new authentication service
func NewAuthService(
	nonces ports.NonceStore,
	tokenizer ports.Tokenizer,
	verifier ports.SignatureVerifier,
	blacklist ports.Blacklist,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		nonces:           nonces,
		tokenizer:        tokenizer,
		verifier:         verifier,
		blacklist:        blacklist,
		now:              time.Now,
		walletHeaderSkew: core.DefaultWalletHeaderSkew,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChallenge issues a nonce for publicKey and returns the message to sign
func (s *AuthService) CreateChallenge(ctx context.Context, publicKey string) (*core.Challenge, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" || !s.verifier.ValidPublicKey(publicKey) {
		return nil, core.ErrInvalidPublicKey
	}

	record, err := s.nonces.Issue(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue nonce: %w", err)
	}

	challenge := core.NewChallenge(record, s.now())
	s.metrics.ChallengeIssued()
	return &challenge, nil
}

// Login verifies a signed challenge and mints a session token.
// The signature is checked before the nonce is consumed.
func (s *AuthService) Login(ctx context.Context, message, signature, publicKey string) (string, *core.Session, error) {
	token, session, err := s.login(ctx, message, signature, strings.TrimSpace(publicKey))
	if err != nil {
		s.metrics.Login("failure")
		return "", nil, err
	}
	s.metrics.Login("success")
	return token, session, nil
}

func (s *AuthService) login(ctx context.Context, message, signature, publicKey string) (string, *core.Session, error) {
	if message == "" || signature == "" || publicKey == "" {
		return "", nil, core.ErrInvalidRequest
	}

	signedFor, nonce, err := core.ParseChallenge(message)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}
	if signedFor != publicKey {
		return "", nil, fmt.Errorf("%w: challenge was issued for another wallet", core.ErrInvalidSignature)
	}

	if !s.verifier.Verify([]byte(message), signature, publicKey) {
		return "", nil, core.ErrInvalidSignature
	}

	ok, err := s.nonces.ValidateAndConsume(ctx, publicKey, nonce)
	if err != nil {
		return "", nil, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if !ok {
		return "", nil, core.ErrInvalidNonce
	}

	token, session, err := s.tokenizer.Issue(publicKey, publicKey)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}

	return token, session, nil
}

// Validate verifies a session token
func (s *AuthService) Validate(ctx context.Context, token string) (*core.Session, error) {
	session, err := s.tokenizer.Verify(ctx, token)
	if err != nil {
		s.metrics.Validation(validationResult(err))
		return nil, err
	}
	s.metrics.Validation("valid")
	return session, nil
}

// Refresh revokes a valid token and issues a new one for the same wallet
func (s *AuthService) Refresh(ctx context.Context, token string) (string, *core.Session, error) {
	session, err := s.Validate(ctx, token)
	if err != nil {
		return "", nil, err
	}

	if err := s.blacklist.Revoke(ctx, session.ID, session.ExpiresAt); err != nil {
		s.metrics.Revocation("failure")
		return "", nil, fmt.Errorf("failed to revoke previous token: %w", err)
	}
	s.metrics.Revocation("success")
	if err := s.announce(ctx, session); err != nil {
		// The local blacklist already holds the revocation
		slog.Warn("refresh revocation not announced", "jti", session.ID, "error", err)
	}

	newToken, newSession, err := s.tokenizer.Issue(session.WalletAddress, session.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}

	return newToken, newSession, nil
}

// Logout revokes the token's jti. Expired tokens need no revocation.
// The returned error is informational: logout must not block the caller.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	session, err := s.tokenizer.Parse(token)
	if err != nil {
		return err
	}

	if session.Expired(s.now()) {
		return nil
	}

	if err := s.blacklist.Revoke(ctx, session.ID, session.ExpiresAt); err != nil {
		s.metrics.Revocation("failure")
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.metrics.Revocation("success")

	return s.announce(ctx, session)
}

func (s *AuthService) announce(ctx context.Context, session *core.Session) error {
	if s.eventPub == nil {
		return nil
	}
	if err := s.eventPub.PublishRevocation(ctx, session.WalletAddress, session.ID, session.ExpiresAt); err != nil {
		return fmt.Errorf("failed to publish revocation: %w", err)
	}
	return nil
}

// VerifyWalletHeaders authenticates a direct-wallet request that carries
// its own signature instead of a session token. The signed message must
// embed the X-Timestamp value, and the timestamp must be recent.
func (s *AuthService) VerifyWalletHeaders(ctx context.Context, publicKey, message, signature, timestamp string) (string, error) {
	if publicKey == "" || message == "" || signature == "" || timestamp == "" {
		return "", core.ErrUnauthorized
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}

	drift := s.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.walletHeaderSkew {
		return "", fmt.Errorf("%w: timestamp outside allowed window", core.ErrUnauthorized)
	}

	if !strings.Contains(message, timestamp) {
		return "", fmt.Errorf("%w: message does not bind the timestamp", core.ErrInvalidSignature)
	}

	if !s.verifier.Verify([]byte(message), signature, publicKey) {
		return "", core.ErrInvalidSignature
	}

	return publicKey, nil
}

// parseTimestamp accepts unix milliseconds or seconds
func parseTimestamp(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, errors.New("invalid timestamp")
	}
	if n < 1e12 {
		return time.Unix(n, 0), nil
	}
	return time.UnixMilli(n), nil
}

func validationResult(err error) string {
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		return "expired"
	case errors.Is(err, core.ErrTokenRevoked):
		return "revoked"
	default:
		return "invalid"
	}
}
