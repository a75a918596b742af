// Package ledger tracks per-asset balances and applies transfer batches
// atomically.
//
// Every owner is an address. The native asset is keyed by the zero address;
// any other asset is keyed by its contract address. Custody accounts are
// ordinary owners that must be opened before use and are swept to a named
// destination when closed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrCustodyExists       = errors.New("custody account already exists")
	ErrCustodyNotFound     = errors.New("custody account not found")
	ErrEmptyBatch          = errors.New("empty batch")
)

// Native is the asset key for the chain's native currency.
var Native = common.Address{}

// IsNative reports whether asset refers to the native currency.
func IsNative(asset common.Address) bool {
	return asset == Native
}

// Entry kinds recorded in history.
const (
	KindDeposit = "deposit"
	KindDebit   = "debit"
	KindCredit  = "credit"
)

// Entry is one side of a balance movement.
type Entry struct {
	ID           string         `json:"id"`
	Reference    string         `json:"reference"`
	Owner        common.Address `json:"owner"`
	Counterparty common.Address `json:"counterparty"`
	Asset        common.Address `json:"asset"`
	Kind         string         `json:"kind"`
	Amount       uint64         `json:"amount,string"`
	Memo         string         `json:"memo,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Balance is an owner's holding of one asset.
type Balance struct {
	Owner  common.Address `json:"owner"`
	Asset  common.Address `json:"asset"`
	Amount uint64         `json:"amount,string"`
}

// Store persists balances, custody accounts and history.
type Store interface {
	Balance(ctx context.Context, owner, asset common.Address) (uint64, error)
	Balances(ctx context.Context, owner common.Address) ([]Balance, error)
	Credit(ctx context.Context, owner, asset common.Address, amount uint64, reference string) error
	// Apply executes every step of b or none of them.
	Apply(ctx context.Context, b *Batch) error
	CustodyExists(ctx context.Context, account common.Address) (bool, error)
	History(ctx context.Context, owner common.Address, limit int) ([]*Entry, error)
}

// Ledger validates and instruments access to a Store.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Deposit credits an owner from outside the system.
func (l *Ledger) Deposit(ctx context.Context, owner, asset common.Address, amount uint64, reference string) error {
	defer observeOp("deposit")()
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Credit(ctx, owner, asset, amount, reference); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

// Execute applies a batch atomically.
func (l *Ledger) Execute(ctx context.Context, b *Batch) error {
	defer observeOp("batch")()
	if err := b.Validate(); err != nil {
		return err
	}
	if err := l.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("apply batch %s: %w", b.Reference, err)
	}
	CustodyAccountsOpen.Add(float64(len(b.Open) - len(b.Close)))
	return nil
}

func (l *Ledger) Balance(ctx context.Context, owner, asset common.Address) (uint64, error) {
	return l.store.Balance(ctx, owner, asset)
}

func (l *Ledger) Balances(ctx context.Context, owner common.Address) ([]Balance, error) {
	return l.store.Balances(ctx, owner)
}

func (l *Ledger) CustodyExists(ctx context.Context, account common.Address) (bool, error) {
	return l.store.CustodyExists(ctx, account)
}

// History returns the most recent entries for owner, newest first.
func (l *Ledger) History(ctx context.Context, owner common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.History(ctx, owner, limit)
}
