package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReplayUnderflow means an owner's history debits more of an asset than
// it credits.
var ErrReplayUnderflow = errors.New("history debits exceed credits")

// MaxReplayEntries bounds the history ReplayOwner reads for one owner.
const MaxReplayEntries = 1000

// ReplayResult compares an owner's stored balances with the balances its
// history entries add up to.
type ReplayResult struct {
	Owner    common.Address `json:"owner"`
	Match    bool           `json:"match"`
	Replayed []Balance      `json:"replayed"`
	Actual   []Balance      `json:"actual"`
	// Truncated is set when the owner has more than MaxReplayEntries
	// entries; Match is not evaluated then.
	Truncated bool `json:"truncated,omitempty"`
}

// Replay rebuilds owner's per-asset balances from its entries. Entries of
// other owners are ignored and order does not matter.
func Replay(owner common.Address, entries []*Entry) ([]Balance, error) {
	credits := make(map[common.Address]uint64)
	debits := make(map[common.Address]uint64)
	for _, e := range entries {
		if e.Owner != owner {
			continue
		}
		var err error
		switch e.Kind {
		case KindDeposit, KindCredit:
			credits[e.Asset], err = add(credits[e.Asset], e.Amount)
		case KindDebit:
			debits[e.Asset], err = add(debits[e.Asset], e.Amount)
		default:
			return nil, fmt.Errorf("entry %s: unknown kind %q", e.ID, e.Kind)
		}
		if err != nil {
			return nil, err
		}
	}

	var out []Balance
	for asset, in := range credits {
		if debits[asset] > in {
			return nil, fmt.Errorf("asset %s: %w", asset.Hex(), ErrReplayUnderflow)
		}
		if v := in - debits[asset]; v > 0 {
			out = append(out, Balance{Owner: owner, Asset: asset, Amount: v})
		}
	}
	for asset := range debits {
		if _, ok := credits[asset]; !ok {
			return nil, fmt.Errorf("asset %s: %w", asset.Hex(), ErrReplayUnderflow)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Cmp(out[j].Asset) < 0 })
	return out, nil
}

// ReplayOwner replays owner's history and compares it with its balances.
func (l *Ledger) ReplayOwner(ctx context.Context, owner common.Address) (*ReplayResult, error) {
	defer observeOp("replay")()

	entries, err := l.store.History(ctx, owner, MaxReplayEntries+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	actual, err := l.store.Balances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	res := &ReplayResult{Owner: owner, Actual: actual}
	if len(entries) > MaxReplayEntries {
		res.Truncated = true
		return res, nil
	}

	res.Replayed, err = Replay(owner, entries)
	if err != nil {
		return nil, err
	}
	res.Match = sameBalances(res.Replayed, res.Actual)
	return res, nil
}

// sameBalances compares two balance lists regardless of order.
func sameBalances(a, b []Balance) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[common.Address]uint64, len(a))
	for _, x := range a {
		want[x.Asset] = x.Amount
	}
	for _, x := range b {
		if v, ok := want[x.Asset]; !ok || v != x.Amount {
			return false
		}
	}
	return true
}
