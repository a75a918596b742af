package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Tx is the SQL handle a guard writes through. Both *sql.Tx and *sql.DB
// satisfy it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Guard runs inside a batch's unit of work after every step has been staged
// and before anything is committed. A non-nil error discards the batch and
// is returned from Apply unchanged. Postgres stores pass their transaction;
// memory stores pass nil and call the guard while holding their lock.
type Guard func(ctx context.Context, tx Tx) error

// Custody opens a custody account. Reserve units of the native asset are
// moved from Payer into the account as its rent.
type Custody struct {
	Account common.Address `json:"account"`
	Payer   common.Address `json:"payer"`
	Reserve uint64         `json:"reserve,string"`
}

// Posting moves Amount of Asset from From to To.
type Posting struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Asset  common.Address `json:"asset"`
	Amount uint64         `json:"amount,string"`
	Memo   string         `json:"memo,omitempty"`
}

// Closure deletes a custody account and sweeps every residual balance it
// holds, reserve included, to Destination.
type Closure struct {
	Account     common.Address `json:"account"`
	Destination common.Address `json:"destination"`
}

// Batch is applied in order: opens, postings, closures, guard.
type Batch struct {
	Reference string    `json:"reference"`
	Open      []Custody `json:"open,omitempty"`
	Postings  []Posting `json:"postings,omitempty"`
	Close     []Closure `json:"close,omitempty"`
	// Guard commits or rolls back with the batch. Record writes that must
	// not be observed without the matching fund movement go here.
	Guard Guard `json:"-"`
}

// Validate rejects structurally invalid batches before they reach a store.
func (b *Batch) Validate() error {
	if b == nil || (len(b.Open) == 0 && len(b.Postings) == 0 && len(b.Close) == 0) {
		return ErrEmptyBatch
	}
	for i, p := range b.Postings {
		if p.Amount == 0 {
			return fmt.Errorf("posting %d: %w", i, ErrInvalidAmount)
		}
		if p.From == p.To {
			return fmt.Errorf("posting %d: self transfer: %w", i, ErrInvalidAmount)
		}
	}
	for i, c := range b.Close {
		if c.Account == c.Destination {
			return fmt.Errorf("closure %d: destination is the account itself: %w", i, ErrInvalidAmount)
		}
	}
	return nil
}

// add returns a+b or ErrBalanceOverflow.
func add(a, b uint64) (uint64, error) {
	c := a + b
	if c < a {
		return 0, ErrBalanceOverflow
	}
	return c, nil
}
