package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
)

// ErrNoTransaction is returned by a guard applied outside a SQL
// transaction, i.e. when a Postgres escrow store is paired with a
// non-Postgres ledger.
var ErrNoTransaction = errors.New("escrow: guard requires a ledger transaction")

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return insertEscrow(ctx, p.db, e)
}

// CreateGuard inserts the escrow in the ledger batch's transaction.
func (p *PostgresStore) CreateGuard(e *Escrow) ledger.Guard {
	return func(ctx context.Context, tx ledger.Tx) error {
		if tx == nil {
			return ErrNoTransaction
		}
		return insertEscrow(ctx, tx, e)
	}
}

// TransitionGuard updates the escrow in the ledger batch's transaction.
func (p *PostgresStore) TransitionGuard(e *Escrow, from Status) ledger.Guard {
	return func(ctx context.Context, tx ledger.Tx) error {
		if tx == nil {
			return ErrNoTransaction
		}
		return transitionEscrow(ctx, tx, e, from)
	}
}

func insertEscrow(ctx context.Context, q ledger.Tx, e *Escrow) error {
	legs, relative, absolute, err := marshalLocks(e)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO escrows (
			id, from_addr, to_addr, legs, model, relative_lock, absolute_lock,
			is_out, memo, custody, reserve, refund_at,
			status, preimage, settled_by, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11::NUMERIC(20,0), $12,
			$13, $14, $15, $16, $17, $18
		)`,
		e.ID.String(), e.From.Hex(), e.To.Hex(), legs, string(e.Model), relative, absolute,
		e.IsOut, []byte(e.Memo), e.Custody.Hex(), strconv.FormatUint(e.Reserve, 10), e.RefundAt,
		string(e.Status), []byte(e.Preimage), nullAddress(e.SettledBy), e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrEscrowExists
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

const escrowColumns = `id, from_addr, to_addr, legs, model, relative_lock, absolute_lock,
		       is_out, memo, custody, reserve::TEXT, refund_at,
		       status, preimage, settled_by, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id idgen.ID) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id.String())

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	return transitionEscrow(ctx, p.db, e, from)
}

// transitionEscrow only touches the mutable columns.
func transitionEscrow(ctx context.Context, q ledger.Tx, e *Escrow, from Status) error {
	result, err := q.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, preimage = $2, settled_by = $3, updated_at = $4, resolved_at = $5
		WHERE id = $6 AND status = $7`,
		string(e.Status), []byte(e.Preimage), nullAddress(e.SettledBy), e.UpdatedAt, nullTime(e.ResolvedAt),
		e.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID.String()).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, party.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListRefundable(ctx context.Context, now int64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'open'
		  AND refund_at <= $1
		ORDER BY refund_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, since time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		  AND updated_at >= $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func marshalLocks(e *Escrow) (legs, relative, absolute []byte, err error) {
	if legs, err = json.Marshal(e.Legs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal legs: %w", err)
	}
	if e.Relative != nil {
		if relative, err = json.Marshal(e.Relative); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal relative lock: %w", err)
		}
	}
	if e.Absolute != nil {
		if absolute, err = json.Marshal(e.Absolute); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal absolute lock: %w", err)
		}
	}
	return legs, relative, absolute, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		id, from, to, custody string
		model, status         string
		reserve               string
		legsJSON              []byte
		relativeJSON          []byte
		absoluteJSON          []byte
		memo, preimage        []byte
		settledBy             sql.NullString
		resolvedAt            sql.NullTime
	)

	err := s.Scan(
		&id, &from, &to, &legsJSON, &model, &relativeJSON, &absoluteJSON,
		&e.IsOut, &memo, &custody, &reserve, &e.RefundAt,
		&status, &preimage, &settledBy, &e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.ID, err = idgen.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt escrow id %q: %w", id, err)
	}
	if e.Reserve, err = strconv.ParseUint(reserve, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt reserve for escrow %s: %w", id, err)
	}
	if err := json.Unmarshal(legsJSON, &e.Legs); err != nil {
		return nil, fmt.Errorf("corrupt legs for escrow %s: %w", id, err)
	}
	if len(relativeJSON) > 0 {
		e.Relative = &lock.Relative{}
		if err := json.Unmarshal(relativeJSON, e.Relative); err != nil {
			return nil, fmt.Errorf("corrupt relative lock for escrow %s: %w", id, err)
		}
	}
	if len(absoluteJSON) > 0 {
		e.Absolute = &lock.Absolute{}
		if err := json.Unmarshal(absoluteJSON, e.Absolute); err != nil {
			return nil, fmt.Errorf("corrupt absolute lock for escrow %s: %w", id, err)
		}
	}
	e.From = common.HexToAddress(from)
	e.To = common.HexToAddress(to)
	e.Custody = common.HexToAddress(custody)
	e.Model = Model(model)
	e.Status = Status(status)
	if len(memo) > 0 {
		e.Memo = memo
	}
	if len(preimage) > 0 {
		e.Preimage = preimage
	}
	if settledBy.Valid {
		addr := common.HexToAddress(settledBy.String)
		e.SettledBy = &addr
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullAddress(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
