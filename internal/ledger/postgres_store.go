package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/retry"
)

// DefaultTxRetry bounds how often a transaction aborted by Postgres for a
// serialization conflict is replayed.
var DefaultTxRetry = retry.Policy{
	Attempts:  6,
	BaseDelay: 5 * time.Millisecond,
	MaxDelay:  200 * time.Millisecond,
}

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(20,0)
// and exchanged as decimal strings so the full uint64 range round-trips.
type PostgresStore struct {
	db      *sql.DB
	txRetry retry.Policy
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, txRetry: DefaultTxRetry}
}

// WithTxRetry replaces the serialization retry policy.
func (p *PostgresStore) WithTxRetry(policy retry.Policy) *PostgresStore {
	p.txRetry = policy
	return p
}

func (p *PostgresStore) Balance(ctx context.Context, owner, asset common.Address) (uint64, error) {
	var amount string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM ledger_balances WHERE owner = $1 AND asset = $2
	`, addr(owner), addr(asset)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(amount, 10, 64)
}

func (p *PostgresStore) Balances(ctx context.Context, owner common.Address) ([]Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, amount::TEXT FROM ledger_balances
		WHERE owner = $1 AND amount > 0
		ORDER BY asset
	`, addr(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		out = append(out, Balance{Owner: owner, Asset: common.HexToAddress(asset), Amount: v})
	}
	return out, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, owner, asset common.Address, amount uint64, reference string) error {
	return p.serializable(ctx, func(tx *sql.Tx) error {
		if err := credit(ctx, tx, owner, asset, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, &Entry{Reference: reference, Owner: owner, Asset: asset, Kind: KindDeposit, Amount: amount})
	})
}

func (p *PostgresStore) CustodyExists(ctx context.Context, account common.Address) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM custody_accounts WHERE account = $1)
	`, addr(account)).Scan(&exists)
	return exists, err
}

// Apply runs the batch and its guard in one serializable transaction,
// replayed from the start when Postgres reports a serialization conflict.
func (p *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	return p.serializable(ctx, func(tx *sql.Tx) error {
		return applyBatch(ctx, tx, b)
	})
}

func applyBatch(ctx context.Context, tx *sql.Tx, b *Batch) error {
	for _, c := range b.Open {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO custody_accounts (account, payer, reserve, reference, created_at)
			VALUES ($1, $2, $3::NUMERIC(20,0), $4, NOW())
			ON CONFLICT (account) DO NOTHING
		`, addr(c.Account), addr(c.Payer), strconv.FormatUint(c.Reserve, 10), b.Reference)
		if err != nil {
			return fmt.Errorf("open custody: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCustodyExists
		}
		if c.Reserve > 0 {
			if err := transfer(ctx, tx, b.Reference, Posting{From: c.Payer, To: c.Account, Asset: Native, Amount: c.Reserve, Memo: "custody reserve"}); err != nil {
				return err
			}
		}
	}

	for _, posting := range b.Postings {
		if err := transfer(ctx, tx, b.Reference, posting); err != nil {
			return err
		}
	}

	for _, c := range b.Close {
		res, err := tx.ExecContext(ctx, `DELETE FROM custody_accounts WHERE account = $1`, addr(c.Account))
		if err != nil {
			return fmt.Errorf("close custody: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCustodyNotFound
		}
		residuals, err := lockedBalances(ctx, tx, c.Account)
		if err != nil {
			return err
		}
		for _, r := range residuals {
			if err := transfer(ctx, tx, b.Reference, Posting{From: c.Account, To: c.Destination, Asset: r.Asset, Amount: r.Amount, Memo: "custody close"}); err != nil {
				return err
			}
		}
	}

	if b.Guard != nil {
		return b.Guard(ctx, tx)
	}
	return nil
}

// serializable runs fn in a serializable transaction under the store's
// retry policy.
func (p *PostgresStore) serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryConflicts(ctx, p.txRetry, func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryConflicts replays attempt while it fails with a serialization
// conflict. Any other error is returned unchanged on first sight.
func retryConflicts(ctx context.Context, policy retry.Policy, attempt func(ctx context.Context) error) error {
	hook := policy.OnRetry
	policy.OnRetry = func(n int, err error, sleep time.Duration) {
		LedgerTxRetries.Inc()
		if hook != nil {
			hook(n, err, sleep)
		}
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		err := attempt(ctx)
		if err == nil || isSerializationConflict(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

// isSerializationConflict matches serialization_failure and
// deadlock_detected, the two aborts a replay can cure.
func isSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func (p *PostgresStore) History(ctx context.Context, owner common.Address, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, reference, owner, COALESCE(counterparty, ''), asset, kind, amount::TEXT, COALESCE(memo, ''), created_at
		FROM ledger_entries
		WHERE owner = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, addr(owner), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e                                  Entry
			ownerHex, counterHex, assetHex, am string
		)
		if err := rows.Scan(&e.ID, &e.Reference, &ownerHex, &counterHex, &assetHex, &e.Kind, &am, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Owner = common.HexToAddress(ownerHex)
		e.Asset = common.HexToAddress(assetHex)
		if counterHex != "" {
			e.Counterparty = common.HexToAddress(counterHex)
		}
		if e.Amount, err = strconv.ParseUint(am, 10, 64); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func addr(a common.Address) string {
	return a.Hex()
}

func transfer(ctx context.Context, tx *sql.Tx, reference string, p Posting) error {
	if err := debit(ctx, tx, p.From, p.Asset, p.Amount); err != nil {
		return err
	}
	if err := credit(ctx, tx, p.To, p.Asset, p.Amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, &Entry{Reference: reference, Owner: p.From, Counterparty: p.To, Asset: p.Asset, Kind: KindDebit, Amount: p.Amount, Memo: p.Memo}); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{Reference: reference, Owner: p.To, Counterparty: p.From, Asset: p.Asset, Kind: KindCredit, Amount: p.Amount, Memo: p.Memo})
}

// debit fails with ErrInsufficientBalance when the row is missing or short.
func debit(ctx context.Context, tx *sql.Tx, owner, asset common.Address, amount uint64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			amount     = amount - $3::NUMERIC(20,0),
			updated_at = NOW()
		WHERE owner = $1 AND asset = $2 AND amount >= $3::NUMERIC(20,0)
	`, addr(owner), addr(asset), strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, owner, asset common.Address, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (owner, asset, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,0), NOW())
		ON CONFLICT (owner, asset) DO UPDATE SET
			amount     = ledger_balances.amount + EXCLUDED.amount,
			updated_at = NOW()
	`, addr(owner), addr(asset), strconv.FormatUint(amount, 10))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" { // check_violation
			return ErrBalanceOverflow
		}
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func lockedBalances(ctx context.Context, tx *sql.Tx, owner common.Address) ([]Balance, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT asset, amount::TEXT FROM ledger_balances
		WHERE owner = $1 AND amount > 0
		ORDER BY asset
		FOR UPDATE
	`, addr(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, Balance{Owner: owner, Asset: common.HexToAddress(asset), Amount: v})
	}
	return out, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var counterparty sql.NullString
	if e.Counterparty != (common.Address{}) || e.Kind != KindDeposit {
		counterparty = sql.NullString{String: addr(e.Counterparty), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, reference, owner, counterparty, asset, kind, amount, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,0), $8, NOW())
	`, idgen.Hex(16), e.Reference, addr(e.Owner), counterparty, addr(e.Asset), e.Kind, strconv.FormatUint(e.Amount, 10), e.Memo)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}
