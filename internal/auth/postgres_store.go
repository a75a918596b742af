package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, address, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.Address.Hex(), key.Name, key.CreatedAt, key.Revoked)
	return err
}

const keyColumns = `id, hash, address, name, created_at, last_used, revoked`

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, addr common.Address) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE address = $1 ORDER BY created_at DESC
	`, addr.Hex())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, addr common.Address) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND address = $2 AND revoked = FALSE
	`, id, addr.Hex())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var (
		addr     string
		lastUsed sql.NullTime
	)
	if err := s.Scan(&key.ID, &key.Hash, &addr, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	key.Address = common.HexToAddress(addr)
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}

var _ Store = (*PostgresStore)(nil)
