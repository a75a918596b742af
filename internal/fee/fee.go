// Package fee computes settlement fees in basis points.
package fee

import (
	"errors"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator of a fee rate.
const BasisPoints = 10_000

var ErrInvalidFeeRate = errors.New("fee rate must be below 10000 basis points")

// ValidateRate rejects rates that would take the whole amount or more.
func ValidateRate(rateBp uint16) error {
	if uint32(rateBp) >= BasisPoints {
		return ErrInvalidFeeRate
	}
	return nil
}

// Compute returns floor(amount*rateBp/10000), capped at maxFee when maxFee is
// non-zero. The product is formed in 256 bits so it never overflows, and the
// result never exceeds amount.
func Compute(amount uint64, rateBp uint16, maxFee uint64) uint64 {
	if amount == 0 || rateBp == 0 {
		return 0
	}
	a := uint256.NewInt(amount)
	r := uint256.NewInt(uint64(rateBp))
	d := uint256.NewInt(BasisPoints)
	q, overflow := new(uint256.Int).MulDivOverflow(a, r, d)
	if overflow || !q.IsUint64() {
		return amount
	}
	f := q.Uint64()
	if maxFee > 0 && f > maxFee {
		f = maxFee
	}
	if f > amount {
		f = amount
	}
	return f
}

// Split returns the fee and the net amount for a leg.
func Split(amount uint64, rateBp uint16, maxFee uint64) (fee, net uint64) {
	fee = Compute(amount, rateBp, maxFee)
	return fee, amount - fee
}
