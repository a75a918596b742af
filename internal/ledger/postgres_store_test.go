package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/mbd888/obridge/internal/retry"
	"github.com/mbd888/obridge/internal/testutil"
)

func TestPostgres_ApplyLockAndRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, alice, token, 1_000, "seed"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := store.Credit(ctx, alice, Native, 10, "seed"); err != nil {
		t.Fatalf("Credit native: %v", err)
	}

	err := store.Apply(ctx, &Batch{
		Reference: "lock",
		Open:      []Custody{{Account: vault, Payer: alice, Reserve: 4}},
		Postings:  []Posting{{From: alice, To: vault, Asset: token, Amount: 600}},
	})
	if err != nil {
		t.Fatalf("Apply lock: %v", err)
	}

	err = store.Apply(ctx, &Batch{
		Reference: "release",
		Postings:  []Posting{{From: vault, To: bob, Asset: token, Amount: 600}},
		Close:     []Closure{{Account: vault, Destination: alice}},
	})
	if err != nil {
		t.Fatalf("Apply release: %v", err)
	}

	if got, _ := store.Balance(ctx, bob, token); got != 600 {
		t.Fatalf("bob token = %d, want 600", got)
	}
	if got, _ := store.Balance(ctx, alice, Native); got != 10 {
		t.Fatalf("alice native = %d, want 10", got)
	}
	if ok, _ := store.CustodyExists(ctx, vault); ok {
		t.Fatal("custody should be closed")
	}

	entries, err := store.History(ctx, bob, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("History: %v, %d entries", err, len(entries))
	}
}

func TestPostgres_ApplyRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	_ = store.Credit(ctx, alice, token, 100, "seed")

	err := store.Apply(ctx, &Batch{
		Reference: "fail",
		Open:      []Custody{{Account: vault, Payer: alice}},
		Postings: []Posting{
			{From: alice, To: vault, Asset: token, Amount: 100},
			{From: alice, To: vault, Asset: Native, Amount: 1},
		},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got, _ := store.Balance(ctx, alice, token); got != 100 {
		t.Fatalf("balance changed on rollback: %d", got)
	}
	if ok, _ := store.CustodyExists(ctx, vault); ok {
		t.Fatal("custody should not exist after rollback")
	}
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	_ = store.Credit(ctx, alice, token, 10, "seed")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Apply(ctx, &Batch{Reference: "race", Postings: []Posting{{From: alice, To: bob, Asset: token, Amount: 1}}})
		}()
	}
	wg.Wait()

	a, _ := store.Balance(ctx, alice, token)
	b, _ := store.Balance(ctx, bob, token)
	if a+b != 10 {
		t.Fatalf("conservation violated: %d + %d", a, b)
	}
}

func TestRetryConflicts_ReplaysSerializationFailure(t *testing.T) {
	policy := retry.Policy{Attempts: 5, BaseDelay: time.Millisecond}
	var calls int
	err := retryConflicts(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("credit: %w", &pq.Error{Code: "40001"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after replay, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryConflicts_OtherErrorsPassThrough(t *testing.T) {
	policy := retry.Policy{Attempts: 5, BaseDelay: time.Millisecond}
	var calls int
	err := retryConflicts(context.Background(), policy, func(context.Context) error {
		calls++
		return ErrInsufficientBalance
	})
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryConflicts_GivesUp(t *testing.T) {
	policy := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	var calls int
	err := retryConflicts(context.Background(), policy, func(context.Context) error {
		calls++
		return &pq.Error{Code: "40P01"}
	})
	if !isSerializationConflict(err) {
		t.Fatalf("expected the last conflict, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestIsSerializationConflict(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pq.Error{Code: "40001"}, true},
		{fmt.Errorf("debit: %w", &pq.Error{Code: "40P01"}), true},
		{&pq.Error{Code: "23505"}, false},
		{ErrInsufficientBalance, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isSerializationConflict(tt.err); got != tt.want {
			t.Errorf("isSerializationConflict(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// Settlements of different escrows all credit the fee recipient's row.
func TestPostgres_ConcurrentSharedCreditAllSucceed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db).WithTxRetry(retry.Policy{Attempts: 30, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond})
	ctx := context.Background()

	const n = 16
	payers := make([]common.Address, n)
	for i := range payers {
		payers[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		if err := store.Credit(ctx, payers[i], token, 100, "seed"); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range payers {
		wg.Add(1)
		go func(payer common.Address) {
			defer wg.Done()
			errs <- store.Apply(ctx, &Batch{
				Reference: "settle:" + payer.Hex(),
				Postings: []Posting{
					{From: payer, To: feeAddr, Asset: token, Amount: 1},
					{From: payer, To: bob, Asset: token, Amount: 99},
				},
			})
		}(payers[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("settlement failed under contention: %v", err)
		}
	}

	if got, _ := store.Balance(ctx, feeAddr, token); got != n {
		t.Fatalf("fee recipient = %d, want %d", got, n)
	}
	if got, _ := store.Balance(ctx, bob, token); got != 99*n {
		t.Fatalf("bob = %d, want %d", got, 99*n)
	}
}

func TestPostgres_GuardSharesTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	_ = store.Credit(ctx, alice, token, 100, "seed")

	refused := errors.New("record changed")
	err := store.Apply(ctx, &Batch{
		Reference: "guarded",
		Open:      []Custody{{Account: vault, Payer: alice}},
		Postings:  []Posting{{From: alice, To: vault, Asset: token, Amount: 60}},
		Guard: func(ctx context.Context, tx Tx) error {
			if tx == nil {
				return errors.New("no transaction")
			}
			var staged string
			if err := tx.QueryRowContext(ctx,
				`SELECT amount::TEXT FROM ledger_balances WHERE owner = $1 AND asset = $2`,
				vault.Hex(), token.Hex()).Scan(&staged); err != nil {
				return err
			}
			if staged != "60" {
				return fmt.Errorf("guard saw %s, want staged 60", staged)
			}
			return refused
		},
	})
	if !errors.Is(err, refused) {
		t.Fatalf("expected guard error, got %v", err)
	}
	if got, _ := store.Balance(ctx, alice, token); got != 100 {
		t.Fatalf("balance changed on guard failure: %d", got)
	}
	if ok, _ := store.CustodyExists(ctx, vault); ok {
		t.Fatal("custody should not exist after guard failure")
	}
}
