// Package settings holds the admin-controlled fee configuration: the admin
// account, the fee recipient, the fee rate in basis points and per-asset fee
// caps.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/fee"
)

var (
	ErrNotInitialized     = errors.New("settings not initialized")
	ErrAlreadyInitialized = errors.New("settings already initialized")
	ErrAccountMismatch    = errors.New("account mismatch")
	ErrInvalidAddress     = errors.New("address must not be zero")
	ErrInvalidFeeRate     = fee.ErrInvalidFeeRate
)

// Settings is the singleton admin configuration.
type Settings struct {
	Admin        common.Address `json:"admin"`
	FeeRecipient common.Address `json:"feeRecipient"`
	FeeRateBp    uint16         `json:"feeRateBp"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TokenSettings caps the fee charged on one asset. Zero means no cap. The
// native asset is keyed by the zero address.
type TokenSettings struct {
	Asset     common.Address `json:"asset"`
	MaxFee    uint64         `json:"maxFee,string"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

// Store persists settings.
type Store interface {
	Get(ctx context.Context) (*Settings, error)
	Init(ctx context.Context, s *Settings) error
	// Update replaces the settings only if the stored admin is still prevAdmin.
	Update(ctx context.Context, s *Settings, prevAdmin common.Address) error
	Token(ctx context.Context, asset common.Address) (*TokenSettings, error)
	SetToken(ctx context.Context, t *TokenSettings) error
	Tokens(ctx context.Context) ([]*TokenSettings, error)
}

// Service gates every mutation on the current admin.
type Service struct {
	store  Store
	logger *slog.Logger
	mu     sync.Mutex
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Initialize creates the settings once. Later calls fail with
// ErrAlreadyInitialized.
func (s *Service) Initialize(ctx context.Context, admin, feeRecipient common.Address, rateBp uint16) (*Settings, error) {
	if admin == (common.Address{}) || feeRecipient == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	if err := fee.ValidateRate(rateBp); err != nil {
		return nil, err
	}
	st := &Settings{Admin: admin, FeeRecipient: feeRecipient, FeeRateBp: rateBp, UpdatedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Init(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("settings initialized", "admin", admin.Hex(), "feeRecipient", feeRecipient.Hex(), "feeRateBp", rateBp)
	return st, nil
}

// Get returns the current settings.
func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.store.Get(ctx)
}

// MaxFee returns the fee cap for asset, zero when none is configured.
func (s *Service) MaxFee(ctx context.Context, asset common.Address) (uint64, error) {
	t, err := s.store.Token(ctx, asset)
	if err != nil {
		return 0, err
	}
	return t.MaxFee, nil
}

func (s *Service) Token(ctx context.Context, asset common.Address) (*TokenSettings, error) {
	return s.store.Token(ctx, asset)
}

func (s *Service) Tokens(ctx context.Context) ([]*TokenSettings, error) {
	return s.store.Tokens(ctx)
}

// RequireAdmin fails with ErrAccountMismatch unless caller is the admin.
func (s *Service) RequireAdmin(ctx context.Context, caller common.Address) error {
	st, err := s.store.Get(ctx)
	if err != nil {
		return err
	}
	if st.Admin != caller {
		return ErrAccountMismatch
	}
	return nil
}

func (s *Service) ChangeAdmin(ctx context.Context, caller, newAdmin common.Address) (*Settings, error) {
	if newAdmin == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return s.mutate(ctx, caller, "change_admin", func(st *Settings) error {
		st.Admin = newAdmin
		return nil
	})
}

func (s *Service) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) (*Settings, error) {
	if recipient == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return s.mutate(ctx, caller, "set_fee_recipient", func(st *Settings) error {
		st.FeeRecipient = recipient
		return nil
	})
}

func (s *Service) SetFeeRate(ctx context.Context, caller common.Address, rateBp uint16) (*Settings, error) {
	if err := fee.ValidateRate(rateBp); err != nil {
		return nil, err
	}
	return s.mutate(ctx, caller, "set_fee_rate", func(st *Settings) error {
		st.FeeRateBp = rateBp
		return nil
	})
}

// SetMaxFee sets the fee cap for asset. Zero removes the cap.
func (s *Service) SetMaxFee(ctx context.Context, caller, asset common.Address, maxFee uint64) (*TokenSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.RequireAdmin(ctx, caller); err != nil {
		return nil, err
	}
	t := &TokenSettings{Asset: asset, MaxFee: maxFee, UpdatedAt: time.Now()}
	if err := s.store.SetToken(ctx, t); err != nil {
		return nil, fmt.Errorf("set token settings: %w", err)
	}
	s.logger.Info("token settings updated", "asset", asset.Hex(), "maxFee", maxFee, "by", caller.Hex())
	return t, nil
}

func (s *Service) mutate(ctx context.Context, caller common.Address, op string, fn func(*Settings) error) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if st.Admin != caller {
		return nil, ErrAccountMismatch
	}
	next := *st
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, &next, st.Admin); err != nil {
		return nil, err
	}
	s.logger.Info("settings updated", "op", op, "by", caller.Hex())
	return &next, nil
}
