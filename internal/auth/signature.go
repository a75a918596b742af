package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RegistrationMessage is the challenge an address signs to obtain an API key.
// Format: "obridge|register|{address}|{timestamp}"
func RegistrationMessage(addr common.Address, timestamp int64) string {
	return fmt.Sprintf("obridge|register|%s|%d", addr.Hex(), timestamp)
}

// HashMessage creates an Ethereum signed message hash (EIP-191).
func HashMessage(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// RecoverAddress recovers the signer of message. signature is 65 bytes
// (r[32] + s[32] + v[1]); v may be 0/1 or 27/28.
func RecoverAddress(message string, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that signature over message was produced by expected.
func VerifySignature(message string, signature []byte, expected common.Address) error {
	got, err := RecoverAddress(message, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if got != expected {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, got.Hex())
	}
	return nil
}
