package verifier

import (
	"errors"
	"strings"

	"github.com/isis-anubis/walletauth/ports"
)

var errInvalidKeyLength = errors.New("invalid public key length")

// MultiVerifier routes to the EVM verifier for 0x addresses and to Ed25519 otherwise
type MultiVerifier struct {
	ed25519 ports.SignatureVerifier
	evm     ports.SignatureVerifier
}

// NewMultiVerifier creates a verifier for Solana and, when enableEVM is set, EVM wallets
func NewMultiVerifier(enableEVM bool) *MultiVerifier {
	m := &MultiVerifier{ed25519: NewEd25519Verifier()}
	if enableEVM {
		m.evm = NewEVMVerifier()
	}
	return m
}

func (m *MultiVerifier) pick(publicKey string) ports.SignatureVerifier {
	if strings.HasPrefix(publicKey, "0x") {
		return m.evm
	}
	return m.ed25519
}

// Verify never panics; unsupported key formats yield false
func (m *MultiVerifier) Verify(message []byte, signature, publicKey string) bool {
	v := m.pick(publicKey)
	if v == nil {
		return false
	}
	return v.Verify(message, signature, publicKey)
}

// ValidPublicKey reports whether some enabled scheme accepts publicKey
func (m *MultiVerifier) ValidPublicKey(publicKey string) bool {
	v := m.pick(publicKey)
	return v != nil && v.ValidPublicKey(publicKey)
}
