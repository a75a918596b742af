// Package swap coordinates two-sided atomic swaps. The initiator escrows the
// src leg; the counterparty pays the dst leg directly when confirming, and
// both legs settle in one ledger batch. There is no hashlock: each step is
// authorized by the party that must sign it.
package swap

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/settings"
	"github.com/mbd888/obridge/internal/settlement"
)

var (
	ErrSwapNotFound     = errors.New("swap not found")
	ErrSwapExists       = errors.New("swap already exists")
	ErrSwapClosed       = errors.New("swap closed")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidSender    = errors.New("caller is not authorized for this step")
	ErrInvalidRecipient = errors.New("invalid counterparty")
	ErrMemoTooLarge     = errors.New("memo too large")
	ErrStatusConflict   = errors.New("swap status changed concurrently")
)

// MaxMemoBytes bounds the auxiliary data attached to a swap.
const MaxMemoBytes = 1024

// CustodyScope namespaces swap custody accounts.
const CustodyScope = "swap"

type Status string

const (
	StatusOpen      Status = "open"
	StatusConfirmed Status = "confirmed"
	StatusRefunded  Status = "refunded"
)

// Swap is a two-leg swap record. Only Src is ever held in custody.
type Swap struct {
	ID         idgen.ID        `json:"id"`
	From       common.Address  `json:"from"`
	To         common.Address  `json:"to"`
	Src        settlement.Leg  `json:"src"`
	Dst        settlement.Leg  `json:"dst"`
	Lock       lock.StepLock   `json:"lock"`
	Custody    common.Address  `json:"custody"`
	Reserve    uint64          `json:"reserve,string"`
	Memo       hexutil.Bytes   `json:"memo,omitempty"`
	RefundAt   int64           `json:"refundAt"`
	Status     Status          `json:"status"`
	SettledBy  *common.Address `json:"settledBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true once the swap has been confirmed or refunded.
func (s *Swap) IsTerminal() bool {
	return s.Status == StatusConfirmed || s.Status == StatusRefunded
}

// Parties returns the initiator and counterparty.
func (s *Swap) Parties() []common.Address {
	return []common.Address{s.From, s.To}
}

func (s *Swap) clone() *Swap {
	cp := *s
	cp.Memo = append(hexutil.Bytes(nil), s.Memo...)
	if s.SettledBy != nil {
		a := *s.SettledBy
		cp.SettledBy = &a
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Store persists swap data.
type Store interface {
	Create(ctx context.Context, swap *Swap) error
	Get(ctx context.Context, id idgen.ID) (*Swap, error)
	// Transition writes swap only if the stored status is still from.
	Transition(ctx context.Context, swap *Swap, from Status) error
	ListByParty(ctx context.Context, party common.Address, limit int) ([]*Swap, error)
	ListRefundable(ctx context.Context, now int64, limit int) ([]*Swap, error)
	// ListByStatus returns swaps in status updated at or after since.
	ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Swap, error)
	// Guards write the record inside the ledger batch that moves its funds.
	CreateGuard(swap *Swap) ledger.Guard
	TransitionGuard(swap *Swap, from Status) ledger.Guard
}

// LedgerService applies transfer batches atomically.
type LedgerService interface {
	Execute(ctx context.Context, b *ledger.Batch) error
}

// SettingsReader supplies the fee configuration.
type SettingsReader interface {
	Get(ctx context.Context) (*settings.Settings, error)
	MaxFee(ctx context.Context, asset common.Address) (uint64, error)
}

// EventPublisher receives lifecycle events for the realtime feed.
type EventPublisher interface {
	Publish(eventType string, parties []common.Address, data any)
}

const (
	EventSubmitted = "swap_submitted"
	EventConfirmed = "swap_confirmed"
	EventRefunded  = "swap_refunded"
)

// LegRequest is one side of the swap. The zero address is the native asset.
type LegRequest struct {
	Asset  common.Address
	Amount uint64
}

// SubmitRequest contains the parameters for submitting a swap.
type SubmitRequest struct {
	ID   idgen.ID
	From common.Address
	To   common.Address
	Src  LegRequest
	Dst  LegRequest
	Lock lock.StepLock
	Memo []byte
}
