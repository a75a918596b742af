// Package settlement turns escrow and swap legs into ledger batches. It owns
// custody account derivation and the disbursement rules: the counterparty
// receives amount minus fee, the fee recipient receives the fee, and the
// custody account is closed with its residual going back to the sender.
package settlement

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/obridge/internal/fee"
	"github.com/mbd888/obridge/internal/ledger"
)

var ErrInvalidLeg = errors.New("invalid leg")

// Leg is one asset held in escrow.
type Leg struct {
	Asset  common.Address `json:"asset"`
	Amount uint64         `json:"amount,string"`
	Fee    uint64         `json:"fee,string"`
}

// NewLeg computes the fee for amount at rateBp, capped by maxFee.
func NewLeg(asset common.Address, amount uint64, rateBp uint16, maxFee uint64) Leg {
	return Leg{Asset: asset, Amount: amount, Fee: fee.Compute(amount, rateBp, maxFee)}
}

// Net is what the counterparty receives on release.
func (l Leg) Net() uint64 {
	if l.Fee > l.Amount {
		return 0
	}
	return l.Amount - l.Fee
}

func (l Leg) IsNative() bool {
	return ledger.IsNative(l.Asset)
}

// Validate checks fee <= amount.
func (l Leg) Validate() error {
	if l.Fee > l.Amount {
		return ErrInvalidLeg
	}
	return nil
}

// CustodyAccount derives the custody address for a record. Distinct scopes
// never collide for the same id.
func CustodyAccount(scope string, id [32]byte) common.Address {
	h := crypto.Keccak256([]byte("obridge/custody/"+scope), id[:])
	return common.BytesToAddress(h[12:])
}

// Lock opens custody (reserve paid by from) and moves every positive leg
// into it.
func Lock(reference string, from, custody common.Address, reserve uint64, legs ...Leg) *ledger.Batch {
	b := &ledger.Batch{
		Reference: reference,
		Open:      []ledger.Custody{{Account: custody, Payer: from, Reserve: reserve}},
	}
	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		b.Postings = append(b.Postings, ledger.Posting{From: from, To: custody, Asset: l.Asset, Amount: l.Amount, Memo: "lock"})
	}
	return b
}

// Holdings is what custody holds after Lock: every positive leg plus the
// reserve in the native asset.
func Holdings(reserve uint64, legs ...Leg) (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	if reserve > 0 {
		out[ledger.Native] = reserve
	}
	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		v := out[l.Asset] + l.Amount
		if v < l.Amount {
			return nil, ledger.ErrBalanceOverflow
		}
		out[l.Asset] = v
	}
	return out, nil
}

// Release pays each leg's fee to feeRecipient and its net to to, then closes
// custody to residualTo.
func Release(reference string, custody, to, feeRecipient, residualTo common.Address, legs ...Leg) *ledger.Batch {
	b := &ledger.Batch{Reference: reference}
	b.Postings = append(b.Postings, payout(custody, to, feeRecipient, legs)...)
	b.Close = []ledger.Closure{{Account: custody, Destination: residualTo}}
	return b
}

// Return closes custody to from, sweeping every leg and the reserve back.
func Return(reference string, custody, from common.Address) *ledger.Batch {
	return &ledger.Batch{
		Reference: reference,
		Close:     []ledger.Closure{{Account: custody, Destination: from}},
	}
}

// Pay moves legs directly from payer, fee to feeRecipient and net to to.
// Used for the destination leg of a swap, which is never escrowed.
func Pay(payer, to, feeRecipient common.Address, legs ...Leg) []ledger.Posting {
	return payout(payer, to, feeRecipient, legs)
}

func payout(from, to, feeRecipient common.Address, legs []Leg) []ledger.Posting {
	var out []ledger.Posting
	for _, l := range legs {
		if l.Fee > 0 {
			out = append(out, ledger.Posting{From: from, To: feeRecipient, Asset: l.Asset, Amount: l.Fee, Memo: "fee"})
		}
		if net := l.Net(); net > 0 {
			out = append(out, ledger.Posting{From: from, To: to, Asset: l.Asset, Amount: net, Memo: "release"})
		}
	}
	return out
}
