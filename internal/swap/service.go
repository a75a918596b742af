package swap

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
	"github.com/mbd888/obridge/internal/metrics"
	"github.com/mbd888/obridge/internal/settlement"
	"github.com/mbd888/obridge/internal/syncutil"
	"github.com/mbd888/obridge/internal/traces"
)

// Service implements the swap coordinator.
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

// NewService creates a new swap service.
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

// WithCustodyReserve sets the native amount the initiator pays to open custody.
func (s *Service) WithCustodyReserve(reserve uint64) *Service {
	s.reserve = reserve
	return s
}

// WithEvents adds a publisher for lifecycle events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// Submit escrows the initiator's src leg. Both legs must be positive and the
// submit window (agreement + 1 step) must still be open.
func (s *Service) Submit(ctx context.Context, caller common.Address, req SubmitRequest) (_ *Swap, err error) {
	ctx, span := traces.StartSpan(ctx, "swap.Submit",
		traces.SwapID(req.ID.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("submit", err)
	}()

	now := s.clock.Now()
	if err := validateSubmit(caller, req, now.Unix()); err != nil {
		return nil, err
	}

	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	srcMax, err := s.settings.MaxFee(ctx, req.Src.Asset)
	if err != nil {
		return nil, fmt.Errorf("load token settings: %w", err)
	}
	dstMax, err := s.settings.MaxFee(ctx, req.Dst.Asset)
	if err != nil {
		return nil, fmt.Errorf("load token settings: %w", err)
	}

	unlock, err := s.locks.LockContext(ctx, req.ID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, req.ID); err == nil {
		return nil, ErrSwapExists
	} else if !errors.Is(err, ErrSwapNotFound) {
		return nil, err
	}

	sw := &Swap{
		ID:        req.ID,
		From:      req.From,
		To:        req.To,
		Src:       settlement.NewLeg(req.Src.Asset, req.Src.Amount, st.FeeRateBp, srcMax),
		Dst:       settlement.NewLeg(req.Dst.Asset, req.Dst.Amount, st.FeeRateBp, dstMax),
		Lock:      req.Lock,
		Custody:   settlement.CustodyAccount(CustodyScope, req.ID),
		Reserve:   s.reserve,
		Memo:      append([]byte(nil), req.Memo...),
		RefundAt:  req.Lock.RefundAt(),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	batch := settlement.Lock(reference(sw.ID, "lock"), sw.From, sw.Custody, sw.Reserve, sw.Src)
	batch.Guard = s.store.CreateGuard(sw)
	if err := s.ledger.Execute(ctx, batch); err != nil {
		if errors.Is(err, ledger.ErrCustodyExists) || errors.Is(err, ErrSwapExists) {
			return nil, ErrSwapExists
		}
		return nil, fmt.Errorf("failed to lock swap funds: %w", err)
	}

	metrics.SwapsTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.publish(EventSubmitted, sw)
	s.logger.Info("swap submitted",
		"swapId", sw.ID.String(), "from", sw.From.Hex(), "to", sw.To.Hex(),
		"srcAmount", sw.Src.Amount, "dstAmount", sw.Dst.Amount, "refundAt", sw.RefundAt)
	return sw.clone(), nil
}

func validateSubmit(caller common.Address, req SubmitRequest, now int64) error {
	if caller != req.From {
		return ErrInvalidSender
	}
	if req.ID.IsZero() {
		return idgen.ErrInvalidID
	}
	if req.To == (common.Address{}) || req.To == req.From {
		return ErrInvalidRecipient
	}
	if req.Src.Amount == 0 || req.Dst.Amount == 0 {
		return ErrInvalidAmount
	}
	if len(req.Memo) > MaxMemoBytes {
		return ErrMemoTooLarge
	}
	if err := req.Lock.Validate(); err != nil {
		return err
	}
	w, err := req.Lock.SubmitWindow()
	if err != nil {
		return err
	}
	return w.Check(now)
}

// Confirm is signed by the counterparty inside the confirm window. The dst
// leg is paid from the counterparty's balance and the src leg is released
// from custody in the same batch.
func (s *Service) Confirm(ctx context.Context, id idgen.ID, caller common.Address) (_ *Swap, err error) {
	ctx, span := traces.StartSpan(ctx, "swap.Confirm",
		traces.SwapID(id.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("confirm", err)
	}()

	unlock, err := s.locks.LockContext(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	sw, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw.IsTerminal() {
		return nil, ErrSwapClosed
	}
	if caller != sw.To {
		return nil, ErrInvalidSender
	}

	now := s.clock.Now()
	span.SetAttributes(traces.Now(now.Unix()))
	w, err := sw.Lock.ConfirmWindow()
	if err != nil {
		return nil, err
	}
	if err := w.Check(now.Unix()); err != nil {
		return nil, err
	}

	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	sw.Status = StatusConfirmed
	sw.SettledBy = &caller
	sw.UpdatedAt = now
	sw.ResolvedAt = &now

	batch := settlement.Release(reference(sw.ID, "confirm"), sw.Custody, sw.To, st.FeeRecipient, sw.From, sw.Src)
	batch.Postings = append(settlement.Pay(sw.To, sw.From, st.FeeRecipient, sw.Dst), batch.Postings...)
	if err := s.settle(ctx, batch, sw, "settle swap"); err != nil {
		return nil, err
	}

	for _, l := range []settlement.Leg{sw.Src, sw.Dst} {
		if l.Fee > 0 {
			metrics.FeesCollectedTotal.WithLabelValues(l.Asset.Hex()).Add(float64(l.Fee))
		}
	}
	metrics.SwapsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.publish(EventConfirmed, sw)
	s.logger.Info("swap confirmed", "swapId", sw.ID.String(), "from", sw.From.Hex(), "to", sw.To.Hex())
	return sw.clone(), nil
}

// Refund returns the src leg and reserve to the initiator strictly after the
// confirm window. Any caller may submit it.
func (s *Service) Refund(ctx context.Context, id idgen.ID, caller common.Address) (_ *Swap, err error) {
	ctx, span := traces.StartSpan(ctx, "swap.Refund",
		traces.SwapID(id.String()), traces.Caller(caller.Hex()))
	defer func() {
		traces.End(span, err)
		s.reject("refund", err)
	}()

	unlock, err := s.locks.LockContext(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	sw, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw.IsTerminal() {
		return nil, ErrSwapClosed
	}

	now := s.clock.Now()
	span.SetAttributes(traces.Now(now.Unix()))
	if err := sw.Lock.Refundable(now.Unix()); err != nil {
		return nil, err
	}

	sw.Status = StatusRefunded
	sw.SettledBy = &caller
	sw.UpdatedAt = now
	sw.ResolvedAt = &now

	if err := s.settle(ctx, settlement.Return(reference(sw.ID, "refund"), sw.Custody, sw.From), sw, "refund swap"); err != nil {
		return nil, err
	}

	metrics.SwapsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.publish(EventRefunded, sw)
	s.logger.Info("swap refunded", "swapId", sw.ID.String(), "from", sw.From.Hex(), "by", caller.Hex())
	return sw.clone(), nil
}

// Get returns a swap by ID.
func (s *Service) Get(ctx context.Context, id idgen.ID) (*Swap, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns swaps where party is the initiator or counterparty.
func (s *Service) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Swap, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, party, limit)
}

func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// settle applies batch and closes sw in the same unit of work.
func (s *Service) settle(ctx context.Context, batch *ledger.Batch, sw *Swap, action string) error {
	batch.Guard = s.store.TransitionGuard(sw, StatusOpen)
	err := s.ledger.Execute(ctx, batch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStatusConflict):
		return ErrSwapClosed
	default:
		return fmt.Errorf("failed to %s: %w", action, err)
	}
}

func (s *Service) reject(op string, err error) {
	if err == nil {
		return
	}
	_, code := ErrorCode(err)
	metrics.EscrowRejectionsTotal.WithLabelValues("swap_"+op, code).Inc()
}

func (s *Service) publish(eventType string, sw *Swap) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, sw.Parties(), sw.clone())
}

func reference(id idgen.ID, step string) string {
	return "swap:" + id.String() + ":" + step
}
