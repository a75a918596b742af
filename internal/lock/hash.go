// Package lock implements the hashlock and timelock policies that gate
// escrow settlement.
//
// Two models are supported:
//   - Relative: windows are offsets from the time both parties agreed on the
//     transfer, measured in expected and tolerant single-step durations.
//   - Absolute: one or two independent hash+deadline pairs, either of which
//     unlocks the escrow before its own deadline.
//
// All timestamps are unix seconds and all bounds are inclusive.
package lock

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrPreimageMismatch  = errors.New("preimage mismatch")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrInvalidRefundTime = errors.New("invalid refund time")
	ErrNotRefundable     = errors.New("not refundable yet")
	ErrInvalidTimelock   = errors.New("invalid timelock")
)

// HashSize is the size of a hash commitment in bytes.
const HashSize = 32

// Hash is a Keccak-256 commitment to a pre-image.
type Hash [HashSize]byte

// HashPreimage returns the Keccak-256 digest of preimage.
func HashPreimage(preimage []byte) Hash {
	return Hash(crypto.Keccak256Hash(preimage))
}

// ParseHash decodes a 32-byte hex string, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Matches reports whether preimage hashes to h.
func (h Hash) Matches(preimage []byte) bool {
	return HashPreimage(preimage) == h
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return common.Hash(h).Hex()
}

func (h Hash) MarshalText() ([]byte, error) {
	return common.Hash(h).MarshalText()
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
