package swap

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
	"github.com/mbd888/obridge/internal/ledger"
)

// ErrNoTransaction is returned by a guard applied outside a SQL transaction.
var ErrNoTransaction = errors.New("swap: guard requires a ledger transaction")

// PostgresStore persists swap data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sw *Swap) error {
	return insertSwap(ctx, p.db, sw)
}

func (p *PostgresStore) CreateGuard(sw *Swap) ledger.Guard {
	return func(ctx context.Context, tx ledger.Tx) error {
		if tx == nil {
			return ErrNoTransaction
		}
		return insertSwap(ctx, tx, sw)
	}
}

func (p *PostgresStore) TransitionGuard(sw *Swap, from Status) ledger.Guard {
	return func(ctx context.Context, tx ledger.Tx) error {
		if tx == nil {
			return ErrNoTransaction
		}
		return transitionSwap(ctx, tx, sw, from)
	}
}

func insertSwap(ctx context.Context, q ledger.Tx, sw *Swap) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO swaps (
			id, from_addr, to_addr,
			src_asset, src_amount, src_fee, dst_asset, dst_amount, dst_fee,
			agreement_reached_time, step_time, custody, reserve, memo, refund_at,
			status, settled_by, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3,
			$4, $5::NUMERIC(20,0), $6::NUMERIC(20,0), $7, $8::NUMERIC(20,0), $9::NUMERIC(20,0),
			$10, $11, $12, $13::NUMERIC(20,0), $14, $15,
			$16, $17, $18, $19, $20
		)`,
		sw.ID.String(), sw.From.Hex(), sw.To.Hex(),
		sw.Src.Asset.Hex(), u64(sw.Src.Amount), u64(sw.Src.Fee),
		sw.Dst.Asset.Hex(), u64(sw.Dst.Amount), u64(sw.Dst.Fee),
		sw.Lock.AgreementReachedTime, sw.Lock.StepTime, sw.Custody.Hex(), u64(sw.Reserve), []byte(sw.Memo), sw.RefundAt,
		string(sw.Status), nullAddress(sw.SettledBy), sw.CreatedAt, sw.UpdatedAt, nullTime(sw.ResolvedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrSwapExists
		}
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

const swapColumns = `id, from_addr, to_addr,
		       src_asset, src_amount::TEXT, src_fee::TEXT, dst_asset, dst_amount::TEXT, dst_fee::TEXT,
		       agreement_reached_time, step_time, custody, reserve::TEXT, memo, refund_at,
		       status, settled_by, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id idgen.ID) (*Swap, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id.String())

	sw, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return sw, err
}

func (p *PostgresStore) Transition(ctx context.Context, sw *Swap, from Status) error {
	return transitionSwap(ctx, p.db, sw, from)
}

func transitionSwap(ctx context.Context, q ledger.Tx, sw *Swap, from Status) error {
	result, err := q.ExecContext(ctx, `
		UPDATE swaps SET status = $1, settled_by = $2, updated_at = $3, resolved_at = $4
		WHERE id = $5 AND status = $6`,
		string(sw.Status), nullAddress(sw.SettledBy), sw.UpdatedAt, nullTime(sw.ResolvedAt),
		sw.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("update swap: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM swaps WHERE id = $1)`, sw.ID.String()).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSwapNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Swap, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+swapColumns+`
		FROM swaps
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, party.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSwaps(rows)
}

func (p *PostgresStore) ListRefundable(ctx context.Context, now int64, limit int) ([]*Swap, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+swapColumns+`
		FROM swaps
		WHERE status = 'open'
		  AND refund_at <= $1
		ORDER BY refund_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSwaps(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Swap, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+swapColumns+`
		FROM swaps
		WHERE status = $1
		  AND updated_at >= $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSwaps(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(s scanner) (*Swap, error) {
	sw := &Swap{}
	var (
		id, from, to, custody string
		srcAsset, dstAsset    string
		srcAmount, srcFee     string
		dstAmount, dstFee     string
		reserve, status       string
		memo                  []byte
		settledBy             sql.NullString
		resolvedAt            sql.NullTime
	)

	err := s.Scan(
		&id, &from, &to,
		&srcAsset, &srcAmount, &srcFee, &dstAsset, &dstAmount, &dstFee,
		&sw.Lock.AgreementReachedTime, &sw.Lock.StepTime, &custody, &reserve, &memo, &sw.RefundAt,
		&status, &settledBy, &sw.CreatedAt, &sw.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if sw.ID, err = idgen.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt swap id %q: %w", id, err)
	}
	amounts := []struct {
		dst *uint64
		src string
	}{
		{&sw.Src.Amount, srcAmount}, {&sw.Src.Fee, srcFee},
		{&sw.Dst.Amount, dstAmount}, {&sw.Dst.Fee, dstFee},
		{&sw.Reserve, reserve},
	}
	for _, a := range amounts {
		if *a.dst, err = strconv.ParseUint(a.src, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt amount for swap %s: %w", id, err)
		}
	}
	sw.From = common.HexToAddress(from)
	sw.To = common.HexToAddress(to)
	sw.Src.Asset = common.HexToAddress(srcAsset)
	sw.Dst.Asset = common.HexToAddress(dstAsset)
	sw.Custody = common.HexToAddress(custody)
	sw.Status = Status(status)
	if len(memo) > 0 {
		sw.Memo = memo
	}
	if settledBy.Valid {
		addr := common.HexToAddress(settledBy.String)
		sw.SettledBy = &addr
	}
	if resolvedAt.Valid {
		sw.ResolvedAt = &resolvedAt.Time
	}
	return sw, nil
}

func scanSwaps(rows *sql.Rows) ([]*Swap, error) {
	var result []*Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sw)
	}
	return result, rows.Err()
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullAddress(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
