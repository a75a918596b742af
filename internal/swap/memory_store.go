package swap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
)

// MemoryStore is an in-memory swap store for demo/development mode.
type MemoryStore struct {
	swaps map[idgen.ID]*Swap
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{swaps: make(map[idgen.ID]*Swap)}
}

func (m *MemoryStore) Create(ctx context.Context, swap *Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.swaps[swap.ID]; ok {
		return ErrSwapExists
	}
	m.swaps[swap.ID] = swap.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id idgen.ID) (*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sw, ok := m.swaps[id]
	if !ok {
		return nil, ErrSwapNotFound
	}
	return sw.clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, swap *Swap, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.swaps[swap.ID]
	if !ok {
		return ErrSwapNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	m.swaps[swap.ID] = swap.clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Swap
	for _, sw := range m.swaps {
		if sw.From == party || sw.To == party {
			result = append(result, sw.clone())
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

func (m *MemoryStore) ListRefundable(ctx context.Context, now int64, limit int) ([]*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Swap
	for _, sw := range m.swaps {
		if sw.Status == StatusOpen && sw.RefundAt <= now {
			result = append(result, sw.clone())
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

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Swap
	for _, sw := range m.swaps {
		if sw.Status == status && !sw.UpdatedAt.Before(since) {
			result = append(result, sw.clone())
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

func (m *MemoryStore) CreateGuard(swap *Swap) ledger.Guard {
	return func(ctx context.Context, _ ledger.Tx) error {
		return m.Create(ctx, swap)
	}
}

func (m *MemoryStore) TransitionGuard(swap *Swap, from Status) ledger.Guard {
	return func(ctx context.Context, _ ledger.Tx) error {
		return m.Transition(ctx, swap, from)
	}
}

var _ Store = (*MemoryStore)(nil)
