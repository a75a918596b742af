package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[idgen.ID]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[idgen.ID]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrEscrowExists
	}
	m.escrows[escrow.ID] = escrow.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id idgen.ID) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return escrow.clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, escrow *Escrow, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	m.escrows[escrow.ID] = escrow.clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.From == party || e.To == party {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListRefundable(ctx context.Context, now int64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusOpen && e.RefundAt <= now {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RefundAt < result[j].RefundAt
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status && !e.UpdatedAt.Before(since) {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateGuard runs under the memory ledger's lock, which is always taken
// before this store's.
func (m *MemoryStore) CreateGuard(escrow *Escrow) ledger.Guard {
	return func(ctx context.Context, _ ledger.Tx) error {
		return m.Create(ctx, escrow)
	}
}

func (m *MemoryStore) TransitionGuard(escrow *Escrow, from Status) ledger.Guard {
	return func(ctx context.Context, _ ledger.Tx) error {
		return m.Transition(ctx, escrow, from)
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
