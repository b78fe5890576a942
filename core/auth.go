package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultNonceTTL is how long an issued nonce stays consumable
	DefaultNonceTTL = 5 * time.Minute

	// DefaultSessionTTL is the absolute lifetime of a session token
	DefaultSessionTTL = 24 * time.Hour

	// DefaultWalletHeaderSkew bounds X-Timestamp drift for direct-wallet requests
	DefaultWalletHeaderSkew = 5 * time.Minute
)

// NonceRecord is the single active nonce for a public key
type NonceRecord struct {
	PublicKey string    // Wallet public key the nonce was issued for
	Nonce     string    // base58 encoded random bytes
	ExpiresAt time.Time // When the nonce stops being consumable
}

// Expired reports whether the record is no longer consumable at now
func (r NonceRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Challenge is the message a wallet signs to prove key ownership
type Challenge struct {
	PublicKey string
	Nonce     string
	Message   string // UTF-8 text that is signed verbatim
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Session represents an authenticated wallet session carried by a token
type Session struct {
	ID            string    // Token identifier (jti), used as the blacklist key
	WalletAddress string    // Wallet address the session belongs to
	PublicKey     string    // Public key that signed the challenge
	IssuedAt      time.Time // When the token was minted
	ExpiresAt     time.Time // Absolute expiry
}

// Expired reports whether the session is past its expiry at now
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// BlacklistEntry records a revoked token until its natural expiry
type BlacklistEntry struct {
	JTI       string
	ExpiresAt time.Time
}

// RateLimitEntry is a fixed-window counter for one key
type RateLimitEntry struct {
	Key       string
	TotalHits int64
	ResetTime time.Time
}

const (
	challengeHeader = "Sign this message to authenticate with ISIS Chat."
	walletPrefix    = "Wallet: "
	noncePrefix     = "Nonce: "
	issuedPrefix    = "Issued At: "
	expiresPrefix   = "Expires At: "
)

// NewChallenge builds the challenge for a freshly issued nonce record
func NewChallenge(record NonceRecord, issuedAt time.Time) Challenge {
	msg := strings.Join([]string{
		challengeHeader,
		"",
		walletPrefix + record.PublicKey,
		noncePrefix + record.Nonce,
		issuedPrefix + issuedAt.UTC().Format(time.RFC3339),
		expiresPrefix + record.ExpiresAt.UTC().Format(time.RFC3339),
	}, "\n")

	return Challenge{
		PublicKey: record.PublicKey,
		Nonce:     record.Nonce,
		Message:   msg,
		IssuedAt:  issuedAt,
		ExpiresAt: record.ExpiresAt,
	}
}

// ParseChallenge extracts the wallet and nonce lines from a signed challenge message
func ParseChallenge(message string) (publicKey string, nonce string, err error) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, walletPrefix):
			publicKey = strings.TrimSpace(strings.TrimPrefix(line, walletPrefix))
		case strings.HasPrefix(line, noncePrefix):
			nonce = strings.TrimSpace(strings.TrimPrefix(line, noncePrefix))
		}
	}

	if publicKey == "" || nonce == "" {
		return "", "", fmt.Errorf("challenge is missing wallet or nonce: %w", ErrInvalidRequest)
	}

	return publicKey, nonce, nil
}
