package settings

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory settings store for demo/development mode.
type MemoryStore struct {
	settings *Settings
	tokens   map[common.Address]*TokenSettings
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[common.Address]*TokenSettings)}
}

func (m *MemoryStore) Get(ctx context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, ErrNotInitialized
	}
	cp := *m.settings
	return &cp, nil
}

func (m *MemoryStore) Init(ctx context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings != nil {
		return ErrAlreadyInitialized
	}
	cp := *s
	m.settings = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Settings, prevAdmin common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return ErrNotInitialized
	}
	if m.settings.Admin != prevAdmin {
		return ErrAccountMismatch
	}
	cp := *s
	m.settings = &cp
	return nil
}

func (m *MemoryStore) Token(ctx context.Context, asset common.Address) (*TokenSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tokens[asset]; ok {
		cp := *t
		return &cp, nil
	}
	return &TokenSettings{Asset: asset}, nil
}

func (m *MemoryStore) SetToken(ctx context.Context, t *TokenSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.Asset] = &cp
	return nil
}

func (m *MemoryStore) Tokens(ctx context.Context) ([]*TokenSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TokenSettings, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Cmp(out[j].Asset) < 0 })
	return out, nil
}
