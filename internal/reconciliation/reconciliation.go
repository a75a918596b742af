// Package reconciliation cross-checks escrow and swap records against the
// custody accounts that back them in the ledger.
//
// An open record must have an open custody account holding exactly its
// locked legs plus the custody reserve. A terminal record must have no
// custody account left. Custody balances must also match what the
// account's ledger history adds up to.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mbd888/obridge/internal/escrow"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/settlement"
	"github.com/mbd888/obridge/internal/swap"
)

// Problem classifies a finding.
type Problem string

const (
	// ProblemCustodyMissing: an open record has no custody account.
	ProblemCustodyMissing Problem = "custody_missing"
	// ProblemCustodyNotClosed: a settled record still has a custody account.
	ProblemCustodyNotClosed Problem = "custody_not_closed"
	// ProblemCustodyBalance: custody holds something other than the record's
	// outstanding legs plus reserve.
	ProblemCustodyBalance Problem = "custody_balance"
	// ProblemHistoryMismatch: custody balances disagree with custody history.
	ProblemHistoryMismatch Problem = "history_mismatch"
)

var problems = []Problem{ProblemCustodyMissing, ProblemCustodyNotClosed, ProblemCustodyBalance, ProblemHistoryMismatch}

const (
	DefaultLookback = 24 * time.Hour
	DefaultLimit    = 500
)

// EscrowStore lists escrows for reconciliation.
type EscrowStore interface {
	Get(ctx context.Context, id idgen.ID) (*escrow.Escrow, error)
	ListByStatus(ctx context.Context, status escrow.Status, since time.Time, limit int) ([]*escrow.Escrow, error)
}

// SwapStore lists swaps for reconciliation.
type SwapStore interface {
	Get(ctx context.Context, id idgen.ID) (*swap.Swap, error)
	ListByStatus(ctx context.Context, status swap.Status, since time.Time, limit int) ([]*swap.Swap, error)
}

// LedgerReader reads custody state.
type LedgerReader interface {
	CustodyExists(ctx context.Context, account common.Address) (bool, error)
	Balances(ctx context.Context, owner common.Address) ([]ledger.Balance, error)
	ReplayOwner(ctx context.Context, owner common.Address) (*ledger.ReplayResult, error)
}

// Finding is one inconsistency between a record and its custody account.
type Finding struct {
	Kind    string         `json:"kind"`
	ID      idgen.ID       `json:"id"`
	Custody common.Address `json:"custody"`
	Status  string         `json:"status"`
	Problem Problem        `json:"problem"`
	Detail  string         `json:"detail"`
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Checked    int       `json:"checked"`
	Errors     int       `json:"errors"`
	Healthy    bool      `json:"healthy"`
	Findings   []Finding `json:"findings"`
}

// Runner executes reconciliation checks. Runs are serialized.
type Runner struct {
	escrows  EscrowStore
	swaps    SwapStore
	ledger   LedgerReader
	logger   *slog.Logger
	clock    clock.Clock
	lookback time.Duration
	limit    int

	runMu sync.Mutex
	mu    sync.RWMutex
	last  *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowStore, swaps SwapStore, l LedgerReader, logger *slog.Logger) *Runner {
	return &Runner{
		escrows:  escrows,
		swaps:    swaps,
		ledger:   l,
		logger:   logger,
		clock:    clock.NewDefaultClock(),
		lookback: DefaultLookback,
		limit:    DefaultLimit,
	}
}

// WithClock replaces the wall clock.
func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

// WithLookback sets how far back settled records are checked.
func (r *Runner) WithLookback(d time.Duration) *Runner {
	if d > 0 {
		r.lookback = d
	}
	return r
}

// WithLimit caps the records checked per status and kind.
func (r *Runner) WithLimit(n int) *Runner {
	if n > 0 {
		r.limit = n
	}
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunAll checks every open record and every record settled within the
// lookback window. A listing failure aborts the run; a failure checking one
// record is counted and the run continues.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := r.clock.Now()
	rep := &Report{StartedAt: start.UTC(), Findings: []Finding{}}
	since := start.Add(-r.lookback)

	if err := r.checkEscrows(ctx, rep, since); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.checkSwaps(ctx, rep, since); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	elapsed := r.clock.Now().Sub(start)
	rep.DurationMs = elapsed.Milliseconds()
	rep.Healthy = len(rep.Findings) == 0 && rep.Errors == 0
	sort.SliceStable(rep.Findings, func(i, j int) bool {
		if rep.Findings[i].Kind != rep.Findings[j].Kind {
			return rep.Findings[i].Kind < rep.Findings[j].Kind
		}
		return rep.Findings[i].ID.String() < rep.Findings[j].ID.String()
	})
	record(rep, elapsed)

	for _, f := range rep.Findings {
		r.logger.Error("reconciliation finding",
			"kind", f.Kind,
			"id", f.ID.String(),
			"custody", f.Custody.Hex(),
			"status", f.Status,
			"problem", string(f.Problem),
			"detail", f.Detail,
		)
	}
	r.logger.Info("reconciliation complete",
		"checked", rep.Checked,
		"findings", len(rep.Findings),
		"errors", rep.Errors,
		"durationMs", rep.DurationMs,
	)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

func (r *Runner) checkEscrows(ctx context.Context, rep *Report, since time.Time) error {
	open, err := r.escrows.ListByStatus(ctx, escrow.StatusOpen, time.Time{}, r.limit)
	if err != nil {
		return fmt.Errorf("list open escrows: %w", err)
	}
	for _, e := range open {
		want, err := settlement.Holdings(e.Reserve, e.Outstanding()...)
		if err != nil {
			r.checkFailed(rep, "escrow", e.ID, err)
			continue
		}
		fs, err := r.checkOpen(ctx, "escrow", e.ID, e.Custody, want)
		if err != nil {
			r.checkFailed(rep, "escrow", e.ID, err)
			continue
		}
		rep.Checked++
		if len(fs) == 0 {
			continue
		}
		// A settlement may have committed after the listing.
		cur, err := r.escrows.Get(ctx, e.ID)
		if err == nil && cur.Status != escrow.StatusOpen {
			continue
		}
		rep.add(fs, string(escrow.StatusOpen))
	}

	for _, status := range []escrow.Status{escrow.StatusConfirmed, escrow.StatusRefunded} {
		settled, err := r.escrows.ListByStatus(ctx, status, since, r.limit)
		if err != nil {
			return fmt.Errorf("list %s escrows: %w", status, err)
		}
		for _, e := range settled {
			fs, err := r.checkClosed(ctx, "escrow", e.ID, e.Custody)
			if err != nil {
				r.checkFailed(rep, "escrow", e.ID, err)
				continue
			}
			rep.Checked++
			rep.add(fs, string(status))
		}
	}
	return nil
}

func (r *Runner) checkSwaps(ctx context.Context, rep *Report, since time.Time) error {
	open, err := r.swaps.ListByStatus(ctx, swap.StatusOpen, time.Time{}, r.limit)
	if err != nil {
		return fmt.Errorf("list open swaps: %w", err)
	}
	for _, s := range open {
		want, err := settlement.Holdings(s.Reserve, s.Src)
		if err != nil {
			r.checkFailed(rep, "swap", s.ID, err)
			continue
		}
		fs, err := r.checkOpen(ctx, "swap", s.ID, s.Custody, want)
		if err != nil {
			r.checkFailed(rep, "swap", s.ID, err)
			continue
		}
		rep.Checked++
		if len(fs) == 0 {
			continue
		}
		cur, err := r.swaps.Get(ctx, s.ID)
		if err == nil && cur.Status != swap.StatusOpen {
			continue
		}
		rep.add(fs, string(swap.StatusOpen))
	}

	for _, status := range []swap.Status{swap.StatusConfirmed, swap.StatusRefunded} {
		settled, err := r.swaps.ListByStatus(ctx, status, since, r.limit)
		if err != nil {
			return fmt.Errorf("list %s swaps: %w", status, err)
		}
		for _, s := range settled {
			fs, err := r.checkClosed(ctx, "swap", s.ID, s.Custody)
			if err != nil {
				r.checkFailed(rep, "swap", s.ID, err)
				continue
			}
			rep.Checked++
			rep.add(fs, string(status))
		}
	}
	return nil
}

// checkOpen verifies custody exists, holds want, and agrees with its history.
func (r *Runner) checkOpen(ctx context.Context, kind string, id idgen.ID, custody common.Address, want map[common.Address]uint64) ([]Finding, error) {
	exists, err := r.ledger.CustodyExists(ctx, custody)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []Finding{{Kind: kind, ID: id, Custody: custody, Problem: ProblemCustodyMissing, Detail: "no open custody account"}}, nil
	}

	var out []Finding
	got, err := r.ledger.Balances(ctx, custody)
	if err != nil {
		return nil, err
	}
	if diff := diffHoldings(want, got); diff != "" {
		out = append(out, Finding{Kind: kind, ID: id, Custody: custody, Problem: ProblemCustodyBalance, Detail: diff})
	}

	replay, err := r.ledger.ReplayOwner(ctx, custody)
	if err != nil {
		return nil, err
	}
	if !replay.Truncated && !replay.Match {
		out = append(out, Finding{Kind: kind, ID: id, Custody: custody, Problem: ProblemHistoryMismatch,
			Detail: fmt.Sprintf("history sums to %s", formatBalances(replay.Replayed))})
	}
	return out, nil
}

// checkClosed verifies a settled record left nothing behind.
func (r *Runner) checkClosed(ctx context.Context, kind string, id idgen.ID, custody common.Address) ([]Finding, error) {
	exists, err := r.ledger.CustodyExists(ctx, custody)
	if err != nil {
		return nil, err
	}
	if exists {
		return []Finding{{Kind: kind, ID: id, Custody: custody, Problem: ProblemCustodyNotClosed, Detail: "custody account still open"}}, nil
	}
	got, err := r.ledger.Balances(ctx, custody)
	if err != nil {
		return nil, err
	}
	if len(got) > 0 {
		return []Finding{{Kind: kind, ID: id, Custody: custody, Problem: ProblemCustodyBalance,
			Detail: fmt.Sprintf("closed custody holds %s", formatBalances(got))}}, nil
	}
	return nil, nil
}

func (r *Runner) checkFailed(rep *Report, kind string, id idgen.ID, err error) {
	rep.Errors++
	reconcileErrors.Inc()
	r.logger.Warn("reconciliation check failed", "kind", kind, "id", id.String(), "error", err)
}

func (rep *Report) add(fs []Finding, status string) {
	for _, f := range fs {
		f.Status = status
		rep.Findings = append(rep.Findings, f)
	}
}

// diffHoldings describes how got differs from want, or returns "".
func diffHoldings(want map[common.Address]uint64, got []ledger.Balance) string {
	have := make(map[common.Address]uint64, len(got))
	for _, b := range got {
		have[b.Asset] = b.Amount
	}
	var parts []string
	for asset, w := range want {
		if h := have[asset]; h != w {
			parts = append(parts, fmt.Sprintf("%s want %d have %d", asset.Hex(), w, h))
		}
	}
	for asset, h := range have {
		if _, ok := want[asset]; !ok {
			parts = append(parts, fmt.Sprintf("%s want 0 have %d", asset.Hex(), h))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func formatBalances(bs []ledger.Balance) string {
	if len(bs) == 0 {
		return "nothing"
	}
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		parts = append(parts, fmt.Sprintf("%d of %s", b.Amount, b.Asset.Hex()))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
