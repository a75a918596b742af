package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/metrics"
	"github.com/mbd888/obridge/internal/settlement"
	"github.com/mbd888/obridge/internal/syncutil"
	"github.com/mbd888/obridge/internal/traces"
)

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	settings SettingsReader
	clock    clock.Clock
	reserve  uint64
	events   EventPublisher
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, settings SettingsReader, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		settings: settings,
		clock:    clock.NewDefaultClock(),
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
	}
}

// WithClock replaces the wall clock.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithCustodyReserve sets the native amount the sender pays to open custody.
// It is returned to the sender when custody closes.
func (s *Service) WithCustodyReserve(reserve uint64) *Service {
	s.reserve = reserve
	return s
}

// WithEvents adds a publisher for lifecycle events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// Create validates the request, locks every positive leg into a fresh
// custody account and persists the escrow.
func (s *Service) Create(ctx context.Context, caller common.Address, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.EscrowID(req.ID.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("create", err)
	}()

	now := s.clock.Now()
	model, err := s.validateCreate(caller, req, now.Unix())
	if err != nil {
		return nil, err
	}

	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	legs := make([]settlement.Leg, 0, len(req.Legs))
	for _, l := range req.Legs {
		maxFee, err := s.settings.MaxFee(ctx, l.Asset)
		if err != nil {
			return nil, fmt.Errorf("load token settings: %w", err)
		}
		legs = append(legs, settlement.NewLeg(l.Asset, l.Amount, st.FeeRateBp, maxFee))
	}

	unlock, err := s.locks.LockContext(ctx, req.ID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, req.ID); err == nil {
		return nil, ErrEscrowExists
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	e := &Escrow{
		ID:        req.ID,
		From:      req.From,
		To:        req.To,
		Legs:      legs,
		Model:     model,
		IsOut:     req.IsOut,
		Memo:      append([]byte(nil), req.Memo...),
		Custody:   settlement.CustodyAccount(CustodyScope, req.ID),
		Reserve:   s.reserve,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch model {
	case ModelRelative:
		r := *req.Relative
		e.Relative = &r
		e.RefundAt = r.RefundAt()
	case ModelAbsolute:
		a := *req.Absolute
		if req.Absolute.Lock2 != nil {
			l2 := *req.Absolute.Lock2
			a.Lock2 = &l2
		}
		e.Absolute = &a
		e.RefundAt = a.RefundAt()
	}

	batch := settlement.Lock(reference(e.ID, "lock"), e.From, e.Custody, e.Reserve, e.Legs...)
	batch.Guard = s.store.CreateGuard(e)
	if err := s.ledger.Execute(ctx, batch); err != nil {
		if errors.Is(err, ledger.ErrCustodyExists) || errors.Is(err, ErrEscrowExists) {
			return nil, ErrEscrowExists
		}
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.publish(EventCreated, e)
	s.logger.Info("escrow created",
		"escrowId", e.ID.String(), "from", e.From.Hex(), "to", e.To.Hex(),
		"model", e.Model, "legs", len(e.Legs), "refundAt", e.RefundAt)
	return e.clone(), nil
}

func (s *Service) validateCreate(caller common.Address, req CreateRequest, now int64) (Model, error) {
	if caller != req.From {
		return "", ErrInvalidSender
	}
	if req.ID.IsZero() {
		return "", idgen.ErrInvalidID
	}
	if req.To == (common.Address{}) {
		return "", ErrInvalidRecipient
	}
	if len(req.Memo) > MaxMemoBytes {
		return "", ErrMemoTooLarge
	}
	if len(req.Legs) == 0 || len(req.Legs) > 2 {
		return "", fmt.Errorf("escrow needs one or two legs: %w", ErrInvalidAmount)
	}
	if len(req.Legs) == 2 && req.Legs[0].Asset == req.Legs[1].Asset {
		return "", fmt.Errorf("legs must hold distinct assets: %w", ErrInvalidAmount)
	}
	positive := false
	for _, l := range req.Legs {
		if l.Amount > 0 {
			positive = true
		}
	}
	if !positive {
		return "", fmt.Errorf("at least one leg must be positive: %w", ErrInvalidAmount)
	}

	switch {
	case req.Relative != nil && req.Absolute == nil:
		r := req.Relative
		if err := r.Validate(); err != nil {
			return "", err
		}
		if err := r.CheckRefundTime(); err != nil {
			return "", err
		}
		if err := r.CheckPrepare(now, req.IsOut); err != nil {
			return "", err
		}
		return ModelRelative, nil
	case req.Absolute != nil && req.Relative == nil:
		if err := req.Absolute.Validate(now); err != nil {
			return "", err
		}
		return ModelAbsolute, nil
	}
	return "", fmt.Errorf("exactly one lock model is required: %w", lock.ErrInvalidTimelock)
}

// Confirm verifies the pre-image and the caller's window, then releases
// custody to the recipient.
func (s *Service) Confirm(ctx context.Context, id idgen.ID, caller common.Address, req ConfirmRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm",
		traces.EscrowID(id.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("confirm", err)
	}()

	unlock, err := s.locks.LockContext(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrEscrowClosed
	}

	now := s.clock.Now()
	span.SetAttributes(traces.LockModel(string(e.Model)), traces.Now(now.Unix()))
	switch e.Model {
	case ModelRelative:
		if req.IsOut != e.IsOut {
			return nil, ErrInvalidDirection
		}
		if err := e.Relative.CheckConfirm(req.Preimage, now.Unix(), caller == e.From, e.IsOut); err != nil {
			return nil, err
		}
	case ModelAbsolute:
		if err := e.Absolute.Check(req.Preimage, now.Unix()); err != nil {
			return nil, err
		}
	default:
		return nil, lock.ErrInvalidTimelock
	}

	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	e.Status = StatusConfirmed
	e.Preimage = append([]byte(nil), req.Preimage...)
	e.SettledBy = &caller
	e.UpdatedAt = now
	e.ResolvedAt = &now

	batch := settlement.Release(reference(e.ID, "release"), e.Custody, e.To, st.FeeRecipient, e.From, e.Legs...)
	if err := s.settle(ctx, batch, e, "release escrow funds"); err != nil {
		return nil, err
	}

	for _, l := range e.Legs {
		if l.Fee > 0 {
			metrics.FeesCollectedTotal.WithLabelValues(l.Asset.Hex()).Add(float64(l.Fee))
		}
	}
	s.settled(e)
	s.publish(EventConfirmed, e)
	s.logger.Info("escrow confirmed",
		"escrowId", e.ID.String(), "to", e.To.Hex(), "by", caller.Hex())
	return e.clone(), nil
}

// Refund returns every leg and the custody reserve to the sender once the
// refund boundary has passed. Any caller may submit it.
func (s *Service) Refund(ctx context.Context, id idgen.ID, caller common.Address) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.EscrowID(id.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("refund", err)
	}()

	unlock, err := s.locks.LockContext(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrEscrowClosed
	}

	now := s.clock.Now()
	span.SetAttributes(traces.LockModel(string(e.Model)), traces.Now(now.Unix()))
	switch e.Model {
	case ModelRelative:
		err = e.Relative.Refundable(now.Unix())
	case ModelAbsolute:
		err = e.Absolute.Refundable(now.Unix())
	default:
		err = lock.ErrInvalidTimelock
	}
	if err != nil {
		return nil, err
	}

	e.Status = StatusRefunded
	e.SettledBy = &caller
	e.UpdatedAt = now
	e.ResolvedAt = &now

	if err := s.settle(ctx, settlement.Return(reference(e.ID, "refund"), e.Custody, e.From), e, "refund escrow"); err != nil {
		return nil, err
	}

	s.settled(e)
	s.publish(EventRefunded, e)
	s.logger.Info("escrow refunded",
		"escrowId", e.ID.String(), "from", e.From.Hex(), "by", caller.Hex())
	return e.clone(), nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id idgen.ID) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where party is the sender or the recipient.
func (s *Service) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, party, limit)
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// settle applies batch and moves e out of StatusOpen in one unit of work.
// Losing a race to another settlement surfaces as ErrEscrowClosed.
func (s *Service) settle(ctx context.Context, batch *ledger.Batch, e *Escrow, action string) error {
	batch.Guard = s.store.TransitionGuard(e, StatusOpen)
	err := s.ledger.Execute(ctx, batch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStatusConflict):
		return ErrEscrowClosed
	default:
		return fmt.Errorf("failed to %s: %w", action, err)
	}
}

func (s *Service) settled(e *Escrow) {
	metrics.EscrowsTotal.WithLabelValues(string(e.Status)).Inc()
	metrics.EscrowDuration.WithLabelValues(string(e.Status)).Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
}

func (s *Service) reject(op string, err error) {
	if err == nil {
		return
	}
	_, code := ErrorCode(err)
	metrics.EscrowRejectionsTotal.WithLabelValues(op, code).Inc()
}

func (s *Service) publish(eventType string, e *Escrow) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, e.Parties(), e.clone())
}

func reference(id idgen.ID, step string) string {
	return "escrow:" + id.String() + ":" + step
}
