package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/isis-anubis/walletauth/core"
	"github.com/isis-anubis/walletauth/ports"
)

const AudienceSession = "session:access"

// JWTTokenizer issues and verifies HS256 session tokens
type JWTTokenizer struct {
	secret    []byte
	blacklist ports.Blacklist
	ttl       time.Duration
	issuer    string
	now       func() time.Time
}

// Option configures a JWTTokenizer
type Option func(*JWTTokenizer)

// WithTTL sets the session lifetime
func WithTTL(ttl time.Duration) Option {
	return func(j *JWTTokenizer) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// WithIssuer sets and enforces the iss claim
func WithIssuer(issuer string) Option {
	return func(j *JWTTokenizer) { j.issuer = issuer }
}

// WithClock overrides the time source used for iat/exp and validation
func WithClock(now func() time.Time) Option {
	return func(j *JWTTokenizer) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJWTTokenizer creates a new JWT tokenizer. The blacklist is consulted on every Verify.
func NewJWTTokenizer(secret []byte, blacklist ports.Blacklist, opts ...Option) (*JWTTokenizer, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if blacklist == nil {
		return nil, errors.New("token blacklist is required")
	}

	j := &JWTTokenizer{
		secret:    secret,
		blacklist: blacklist,
		ttl:       core.DefaultSessionTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// TTL returns the configured session lifetime
func (j *JWTTokenizer) TTL() time.Duration {
	return j.ttl
}

// Issue mints a session token for the wallet
func (j *JWTTokenizer) Issue(walletAddress, publicKey string) (string, *core.Session, error) {
	now := jwt.NewNumericDate(j.now())
	exp := jwt.NewNumericDate(now.Add(j.ttl))

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   walletAddress,
			Audience:  jwt.ClaimStrings{AudienceSession},
			ExpiresAt: exp,
			IssuedAt:  now,
			ID:        uuid.NewString(),
		},
		WalletAddress: walletAddress,
		PublicKey:     publicKey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, claimsToSession(&claims), nil
}

// Verify checks signature, algorithm, audience, expiry and revocation
func (j *JWTTokenizer) Verify(ctx context.Context, tokenStr string) (*core.Session, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithAudience(AudienceSession),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	session, err := j.parse(tokenStr, parserOpts...)
	if err != nil {
		return nil, err
	}

	revoked, err := j.blacklist.IsRevoked(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: revocation check failed: %v", core.ErrInvalidToken, err)
	}
	if revoked {
		return nil, core.ErrTokenRevoked
	}

	return session, nil
}

// Parse checks signature and algorithm only. Used on logout, where an
// expired token still identifies the jti to revoke.
func (j *JWTTokenizer) Parse(tokenStr string) (*core.Session, error) {
	return j.parse(tokenStr, jwt.WithoutClaimsValidation())
}

func (j *JWTTokenizer) parse(tokenStr string, opts ...jwt.ParserOption) (session *core.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			session, err = nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, r)
		}
	}()

	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, core.ErrInvalidToken
	}

	if claims.ID == "" || claims.WalletAddress == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", core.ErrInvalidToken)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("%w: expiry precedes issue time", core.ErrInvalidToken)
	}

	return claimsToSession(claims), nil
}

func claimsToSession(claims *SessionClaims) *core.Session {
	return &core.Session{
		ID:            claims.ID,
		WalletAddress: claims.WalletAddress,
		PublicKey:     claims.PublicKey,
		IssuedAt:      claims.IssuedAt.Time,
		ExpiresAt:     claims.ExpiresAt.Time,
	}
}
