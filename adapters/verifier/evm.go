package verifier

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVMVerifier checks EIP-191 personal_sign signatures from EVM wallets.
// The "public key" is the 0x-prefixed address the signature must recover to.
type EVMVerifier struct{}

// NewEVMVerifier creates a new EVM verifier
func NewEVMVerifier() EVMVerifier {
	return EVMVerifier{}
}

// Verify recovers the signer of message and compares it with address
func (EVMVerifier) Verify(message []byte, signature, address string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if !isEVMAddress(address) {
		return false
	}

	decoded, err := hexutil.Decode(signature)
	if err != nil || len(decoded) != crypto.SignatureLength {
		return false
	}

	sig := make([]byte, len(decoded))
	copy(sig, decoded)
	// Wallets return V as 27/28, SigToPub wants 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return false
	}

	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

// ValidPublicKey reports whether address is a 0x-prefixed hex address
func (EVMVerifier) ValidPublicKey(address string) bool {
	return isEVMAddress(address)
}

func isEVMAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}
