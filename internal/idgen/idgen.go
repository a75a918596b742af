// Package idgen handles the 32-byte identifiers that key escrows and swaps,
// plus random tokens for API keys and request IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Size is the length of an ID in bytes.
const Size = 32

var ErrInvalidID = errors.New("id must be 32 bytes of hex")

// ID is a caller-chosen identifier. The zero ID is never valid.
type ID [Size]byte

// New returns a random ID.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// Parse decodes a 64-char hex string, 0x prefix optional.
func Parse(s string) (ID, error) {
	var id ID
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != Size {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	if id.IsZero() {
		return id, ErrInvalidID
	}
	return id, nil
}

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string {
	return hexutil.Encode(id[:])
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// WithPrefix generates a random token with a prefix (e.g. "ob_" for API keys).
// Result is prefix + 48 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(24)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
