package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists settings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context) (*Settings, error) {
	var (
		s                   Settings
		admin, feeRecipient string
		rate                int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT admin, fee_recipient, fee_rate_bp, updated_at FROM admin_settings WHERE id = 1
	`).Scan(&admin, &feeRecipient, &rate, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	s.Admin = common.HexToAddress(admin)
	s.FeeRecipient = common.HexToAddress(feeRecipient)
	s.FeeRateBp = uint16(rate)
	return &s, nil
}

func (p *PostgresStore) Init(ctx context.Context, s *Settings) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_settings (id, admin, fee_recipient, fee_rate_bp, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, s.Admin.Hex(), s.FeeRecipient.Hex(), int(s.FeeRateBp), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("init settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyInitialized
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Settings, prevAdmin common.Address) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE admin_settings SET admin = $1, fee_recipient = $2, fee_rate_bp = $3, updated_at = $4
		WHERE id = 1 AND admin = $5
	`, s.Admin.Hex(), s.FeeRecipient.Hex(), int(s.FeeRateBp), s.UpdatedAt, prevAdmin.Hex())
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountMismatch
	}
	return nil
}

func (p *PostgresStore) Token(ctx context.Context, asset common.Address) (*TokenSettings, error) {
	t := &TokenSettings{Asset: asset}
	var maxFee string
	err := p.db.QueryRowContext(ctx, `
		SELECT max_fee::TEXT, updated_at FROM token_settings WHERE asset = $1
	`, asset.Hex()).Scan(&maxFee, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	if t.MaxFee, err = strconv.ParseUint(maxFee, 10, 64); err != nil {
		return nil, fmt.Errorf("parse max fee: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) SetToken(ctx context.Context, t *TokenSettings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO token_settings (asset, max_fee, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), $3)
		ON CONFLICT (asset) DO UPDATE SET max_fee = EXCLUDED.max_fee, updated_at = EXCLUDED.updated_at
	`, t.Asset.Hex(), strconv.FormatUint(t.MaxFee, 10), t.UpdatedAt)
	return err
}

func (p *PostgresStore) Tokens(ctx context.Context) ([]*TokenSettings, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, max_fee::TEXT, updated_at FROM token_settings ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TokenSettings
	for rows.Next() {
		var (
			t             TokenSettings
			asset, maxFee string
		)
		if err := rows.Scan(&asset, &maxFee, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Asset = common.HexToAddress(asset)
		if t.MaxFee, err = strconv.ParseUint(maxFee, 10, 64); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
