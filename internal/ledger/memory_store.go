package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/idgen"
)

type balanceKey struct {
	owner common.Address
	asset common.Address
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]uint64
	custody  map[common.Address]Custody
	entries  []*Entry
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]uint64),
		custody:  make(map[common.Address]Custody),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, owner, asset common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{owner, asset}], nil
}

func (m *MemoryStore) Balances(ctx context.Context, owner common.Address) ([]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Balance
	for k, v := range m.balances {
		if k.owner == owner && v > 0 {
			out = append(out, Balance{Owner: owner, Asset: k.asset, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, owner, asset common.Address, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{owner, asset}
	next, err := add(m.balances[k], amount)
	if err != nil {
		return err
	}
	m.balances[k] = next
	m.entries = append(m.entries, &Entry{
		ID:        idgen.Hex(16),
		Reference: reference,
		Owner:     owner,
		Asset:     asset,
		Kind:      KindDeposit,
		Amount:    amount,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *MemoryStore) CustodyExists(ctx context.Context, account common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.custody[account]
	return ok, nil
}

// Apply stages every change in an overlay and commits only if all steps
// and the guard succeed. Nothing is visible to readers until then.
func (m *MemoryStore) Apply(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:    m,
		balances: make(map[balanceKey]uint64),
		opened:   make(map[common.Address]Custody),
		closed:   make(map[common.Address]bool),
		ref:      b.Reference,
		now:      time.Now(),
	}
	if err := tx.apply(b); err != nil {
		return err
	}
	if b.Guard != nil {
		if err := b.Guard(ctx, nil); err != nil {
			return err
		}
	}

	for k, v := range tx.balances {
		if v == 0 {
			delete(m.balances, k)
			continue
		}
		m.balances[k] = v
	}
	for acct, c := range tx.opened {
		m.custody[acct] = c
	}
	for acct := range tx.closed {
		delete(m.custody, acct)
	}
	m.entries = append(m.entries, tx.entries...)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, owner common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.Owner == owner {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memTx is a write overlay over the store's maps. Caller holds m.mu.
type memTx struct {
	store    *MemoryStore
	balances map[balanceKey]uint64
	opened   map[common.Address]Custody
	closed   map[common.Address]bool
	entries  []*Entry
	ref      string
	now      time.Time
}

func (tx *memTx) balance(k balanceKey) uint64 {
	if v, ok := tx.balances[k]; ok {
		return v
	}
	return tx.store.balances[k]
}

func (tx *memTx) custodyOpen(acct common.Address) bool {
	if tx.closed[acct] {
		return false
	}
	if _, ok := tx.opened[acct]; ok {
		return true
	}
	_, ok := tx.store.custody[acct]
	return ok
}

func (tx *memTx) transfer(p Posting) error {
	from := balanceKey{p.From, p.Asset}
	to := balanceKey{p.To, p.Asset}
	fromBal := tx.balance(from)
	if fromBal < p.Amount {
		return ErrInsufficientBalance
	}
	toBal, err := add(tx.balance(to), p.Amount)
	if err != nil {
		return err
	}
	tx.balances[from] = fromBal - p.Amount
	tx.balances[to] = toBal
	tx.entries = append(tx.entries,
		&Entry{ID: idgen.Hex(16), Reference: tx.ref, Owner: p.From, Counterparty: p.To, Asset: p.Asset, Kind: KindDebit, Amount: p.Amount, Memo: p.Memo, CreatedAt: tx.now},
		&Entry{ID: idgen.Hex(16), Reference: tx.ref, Owner: p.To, Counterparty: p.From, Asset: p.Asset, Kind: KindCredit, Amount: p.Amount, Memo: p.Memo, CreatedAt: tx.now},
	)
	return nil
}

// residuals returns the non-zero assets acct holds after staged changes.
func (tx *memTx) residuals(acct common.Address) []balanceKey {
	seen := make(map[balanceKey]bool)
	var keys []balanceKey
	for k := range tx.store.balances {
		if k.owner == acct && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range tx.balances {
		if k.owner == acct && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].asset.Cmp(keys[j].asset) < 0 })
	out := keys[:0]
	for _, k := range keys {
		if tx.balance(k) > 0 {
			out = append(out, k)
		}
	}
	return out
}

func (tx *memTx) apply(b *Batch) error {
	for _, c := range b.Open {
		if tx.custodyOpen(c.Account) {
			return ErrCustodyExists
		}
		tx.opened[c.Account] = c
		delete(tx.closed, c.Account)
		if c.Reserve > 0 {
			if err := tx.transfer(Posting{From: c.Payer, To: c.Account, Asset: Native, Amount: c.Reserve, Memo: "custody reserve"}); err != nil {
				return err
			}
		}
	}
	for _, p := range b.Postings {
		if err := tx.transfer(p); err != nil {
			return err
		}
	}
	for _, c := range b.Close {
		if !tx.custodyOpen(c.Account) {
			return ErrCustodyNotFound
		}
		for _, k := range tx.residuals(c.Account) {
			if err := tx.transfer(Posting{From: c.Account, To: c.Destination, Asset: k.asset, Amount: tx.balance(k), Memo: "custody close"}); err != nil {
				return err
			}
		}
		delete(tx.opened, c.Account)
		tx.closed[c.Account] = true
	}
	return nil
}
