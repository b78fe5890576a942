package verifier

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"
)

// Ed25519Verifier checks Solana-style detached signatures: base58 public key,
// base58 64-byte signature, message verified as its raw UTF-8 bytes.
type Ed25519Verifier struct{}

// NewEd25519Verifier creates a new Ed25519 verifier
func NewEd25519Verifier() Ed25519Verifier {
	return Ed25519Verifier{}
}

// Verify reports whether signature is a valid Ed25519 signature of message by publicKey
func (Ed25519Verifier) Verify(message []byte, signature, publicKey string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	key, err := decodePublicKey(publicKey)
	if err != nil {
		return false
	}

	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(key, message, sig)
}

// ValidPublicKey reports whether publicKey decodes to a 32-byte Ed25519 key
func (Ed25519Verifier) ValidPublicKey(publicKey string) bool {
	_, err := decodePublicKey(publicKey)
	return err == nil
}

func decodePublicKey(publicKey string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(publicKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errInvalidKeyLength
	}
	return ed25519.PublicKey(raw), nil
}
