// Package escrow implements hashed-timelock escrows.
//
// Flow:
//  1. Sender creates an escrow: a custody account is opened and every leg
//     moves into it, gated by a hash commitment and a timelock.
//  2. Anyone holding the pre-image confirms inside the permitted window:
//     the recipient gets amount minus fee, the fee recipient gets the fee,
//     and custody closes back to the sender.
//  3. Once the refund boundary passes, anyone may refund: every leg and the
//     custody reserve return to the sender.
//
// Confirm and Refund are mutually exclusive; each escrow settles once.
package escrow

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
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrEscrowExists     = errors.New("escrow already exists")
	ErrEscrowClosed     = errors.New("escrow closed")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidSender    = errors.New("caller is not the sender")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidDirection = errors.New("direction does not match escrow")
	ErrMemoTooLarge     = errors.New("memo too large")
	ErrStatusConflict   = errors.New("escrow status changed concurrently")
)

// MaxMemoBytes bounds the auxiliary data attached to an escrow.
const MaxMemoBytes = 1024

// CustodyScope namespaces escrow custody accounts.
const CustodyScope = "escrow"

// Status represents the state of an escrow.
type Status string

const (
	StatusOpen      Status = "open"
	StatusConfirmed Status = "confirmed"
	StatusRefunded  Status = "refunded"
)

// Model selects the timelock policy.
type Model string

const (
	ModelRelative Model = "relative"
	ModelAbsolute Model = "absolute"
)

// Escrow is a hashed-timelock escrow record.
type Escrow struct {
	ID         idgen.ID         `json:"id"`
	From       common.Address   `json:"from"`
	To         common.Address   `json:"to"`
	Legs       []settlement.Leg `json:"legs"`
	Model      Model            `json:"model"`
	Relative   *lock.Relative   `json:"relative,omitempty"`
	Absolute   *lock.Absolute   `json:"absolute,omitempty"`
	IsOut      bool             `json:"isOut"`
	Memo       hexutil.Bytes    `json:"memo,omitempty"`
	Custody    common.Address   `json:"custody"`
	Reserve    uint64           `json:"reserve,string"`
	RefundAt   int64            `json:"refundAt"`
	Status     Status           `json:"status"`
	Preimage   hexutil.Bytes    `json:"preimage,omitempty"`
	SettledBy  *common.Address  `json:"settledBy,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true once the escrow has been confirmed or refunded.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusConfirmed || e.Status == StatusRefunded
}

// Outstanding returns the legs still held in custody. Terminal escrows hold
// nothing; their Legs are kept for audit.
func (e *Escrow) Outstanding() []settlement.Leg {
	if e.IsTerminal() {
		return nil
	}
	return e.Legs
}

// Parties returns the sender and recipient.
func (e *Escrow) Parties() []common.Address {
	return []common.Address{e.From, e.To}
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	cp.Legs = append([]settlement.Leg(nil), e.Legs...)
	cp.Memo = append(hexutil.Bytes(nil), e.Memo...)
	cp.Preimage = append(hexutil.Bytes(nil), e.Preimage...)
	if e.Relative != nil {
		r := *e.Relative
		cp.Relative = &r
	}
	if e.Absolute != nil {
		a := *e.Absolute
		if e.Absolute.Lock2 != nil {
			l2 := *e.Absolute.Lock2
			a.Lock2 = &l2
		}
		cp.Absolute = &a
	}
	if e.SettledBy != nil {
		s := *e.SettledBy
		cp.SettledBy = &s
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Store persists escrow data.
type Store interface {
	// Create fails with ErrEscrowExists if the id is taken.
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id idgen.ID) (*Escrow, error)
	// Transition writes escrow only if the stored status is still from,
	// otherwise it fails with ErrStatusConflict.
	Transition(ctx context.Context, escrow *Escrow, from Status) error
	ListByParty(ctx context.Context, party common.Address, limit int) ([]*Escrow, error)
	// ListRefundable returns open escrows whose refund boundary is at or
	// before now, oldest boundary first.
	ListRefundable(ctx context.Context, now int64, limit int) ([]*Escrow, error)
	// ListByStatus returns escrows in status last updated at or after since,
	// oldest update first.
	ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Escrow, error)

	// CreateGuard and TransitionGuard perform Create and Transition inside a
	// ledger batch, so the record changes if and only if the funds move.
	CreateGuard(escrow *Escrow) ledger.Guard
	TransitionGuard(escrow *Escrow, from Status) ledger.Guard
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

// Lifecycle event types.
const (
	EventCreated   = "escrow_created"
	EventConfirmed = "escrow_confirmed"
	EventRefunded  = "escrow_refunded"
)

// LegRequest is one asset to lock. The zero address is the native asset.
type LegRequest struct {
	Asset  common.Address
	Amount uint64
}

// CreateRequest contains the parameters for creating an escrow. Exactly one
// of Relative and Absolute must be set.
type CreateRequest struct {
	ID       idgen.ID
	From     common.Address
	To       common.Address
	Legs     []LegRequest
	Relative *lock.Relative
	Absolute *lock.Absolute
	IsOut    bool
	Memo     []byte
}

// ConfirmRequest reveals the pre-image. IsOut must match the escrow's
// direction under the relative model and is ignored otherwise.
type ConfirmRequest struct {
	Preimage []byte
	IsOut    bool
}
