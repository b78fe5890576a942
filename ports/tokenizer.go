package ports

import (
	"context"

	"github.com/isis-anubis/walletauth/core"
)

// Tokenizer converts between sessions and signed session tokens
type Tokenizer interface {
	// Issue mints a token for the wallet with a fresh jti
	Issue(walletAddress, publicKey string) (string, *core.Session, error)

	// Verify checks signature, algorithm, expiry and revocation; it fails closed
	Verify(ctx context.Context, token string) (*core.Session, error)

	// Parse checks signature and algorithm only, ignoring expiry and revocation
	Parse(token string) (*core.Session, error)
}

// SignatureVerifier validates a detached wallet signature over a message
type SignatureVerifier interface {
	Verify(message []byte, signature, publicKey string) bool

	// ValidPublicKey reports whether publicKey is in a format Verify accepts
	ValidPublicKey(publicKey string) bool
}
