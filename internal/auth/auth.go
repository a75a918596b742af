// Package auth issues and validates API keys.
//
// Authentication model:
//   - Reads (escrows, swaps, balances, settings) need no key
//   - Mutations (create, confirm, refund, admin) need an API key
//   - A key is issued to whoever proves control of an address by signing
//     RegistrationMessage with it (EIP-191)
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mbd888/obridge/internal/idgen"
)

var (
	ErrNoAPIKey         = errors.New("API key required")
	ErrInvalidAPIKey    = errors.New("invalid or revoked API key")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrChallengeExpired = errors.New("registration challenge expired")
)

// KeyPrefix marks obridge API keys.
const KeyPrefix = "ob_"

// ChallengeTTL bounds the clock skew accepted on a registration timestamp.
const ChallengeTTL = 5 * time.Minute

// APIKey is the stored metadata of an issued key.
type APIKey struct {
	ID        string         `json:"id"`
	Hash      string         `json:"-"` // SHA256 of the raw key
	Address   common.Address `json:"address"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	LastUsed  *time.Time     `json:"lastUsed,omitempty"`
	Revoked   bool           `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAddress(ctx context.Context, addr common.Address) ([]*APIKey, error)
	// Revoke fails with ErrKeyNotFound unless id belongs to addr.
	Revoke(ctx context.Context, id string, addr common.Address) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager handles key issuance and validation.
type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, clock: clock.NewDefaultClock(), logger: logger}
}

// WithClock replaces the wall clock.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Register verifies signature over RegistrationMessage(addr, timestamp) and
// issues a key. The raw key is returned once and never stored.
func (m *Manager) Register(ctx context.Context, addr common.Address, timestamp int64, signature []byte, name string) (string, *APIKey, error) {
	now := m.clock.Now()
	if d := now.Sub(time.Unix(timestamp, 0)); d > ChallengeTTL || d < -ChallengeTTL {
		return "", nil, ErrChallengeExpired
	}
	if err := VerifySignature(RegistrationMessage(addr, timestamp), signature, addr); err != nil {
		return "", nil, err
	}
	return m.GenerateKey(ctx, addr, name)
}

// GenerateKey creates a key for addr without a signature check. Callers must
// already have authenticated addr.
func (m *Manager) GenerateKey(ctx context.Context, addr common.Address, name string) (string, *APIKey, error) {
	if name == "" {
		name = "default"
	}
	rawKey := idgen.WithPrefix(KeyPrefix)
	key := &APIKey{
		ID:        "ak_" + idgen.Hex(8),
		Hash:      hashKey(rawKey),
		Address:   addr,
		Name:      name,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	m.logger.Info("api key issued", "address", addr.Hex(), "keyId", key.ID)
	return rawKey, key, nil
}

// ValidateKey returns the metadata for rawKey. A "Bearer " prefix is allowed.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	now := m.clock.Now()
	if err := m.store.Touch(ctx, key.ID, now); err != nil {
		m.logger.Warn("failed to record key use", "keyId", key.ID, "error", err)
	}
	key.LastUsed = &now
	return key, nil
}

// ListKeys returns all keys for addr.
func (m *Manager) ListKeys(ctx context.Context, addr common.Address) ([]*APIKey, error) {
	return m.store.ListByAddress(ctx, addr)
}

// RevokeKey revokes one of addr's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID string, addr common.Address) error {
	return m.store.Revoke(ctx, keyID, addr)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
