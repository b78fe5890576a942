package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// Signer signs challenge messages on behalf of a wallet
type Signer interface {
	PublicKey() string
	SignMessage(message []byte) (string, error)
}

// Ed25519Signer signs with a Solana-style ed25519 keypair, base58 encoded
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  string
}

// NewEd25519Signer wraps an existing private key
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	return &Ed25519Signer{
		priv: priv,
		pub:  base58.Encode(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// GenerateEd25519Signer creates a signer with a fresh keypair
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return NewEd25519Signer(priv)
}

func (s *Ed25519Signer) PublicKey() string { return s.pub }

// SignMessage signs the UTF-8 bytes of message
func (s *Ed25519Signer) SignMessage(message []byte) (string, error) {
	return base58.Encode(ed25519.Sign(s.priv, message)), nil
}
