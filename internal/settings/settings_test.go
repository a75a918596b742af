package settings

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	other    = common.HexToAddress("0x000000000000000000000000000000000000ad02")
	recv     = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	usdToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewMemoryStore(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	_, err := svc.Initialize(context.Background(), admin, recv, 100)
	require.NoError(t, err)
	return svc
}

func TestInitializeOnce(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Initialize(context.Background(), other, recv, 100)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	st, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admin, st.Admin)
	assert.Equal(t, uint16(100), st.FeeRateBp)
}

func TestInitializeValidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := svc.Initialize(ctx, admin, recv, 10_000)
	assert.ErrorIs(t, err, ErrInvalidFeeRate)
	_, err = svc.Initialize(ctx, common.Address{}, recv, 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = svc.Get(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMutationsRequireAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetFeeRate(ctx, other, 50)
	assert.ErrorIs(t, err, ErrAccountMismatch)
	_, err = svc.SetFeeRecipient(ctx, other, other)
	assert.ErrorIs(t, err, ErrAccountMismatch)
	_, err = svc.ChangeAdmin(ctx, other, other)
	assert.ErrorIs(t, err, ErrAccountMismatch)
	_, err = svc.SetMaxFee(ctx, other, usdToken, 20)
	assert.ErrorIs(t, err, ErrAccountMismatch)

	st, err := svc.SetFeeRate(ctx, admin, 9_999)
	require.NoError(t, err)
	assert.Equal(t, uint16(9_999), st.FeeRateBp)

	_, err = svc.SetFeeRate(ctx, admin, 10_000)
	assert.ErrorIs(t, err, ErrInvalidFeeRate)
}

func TestChangeAdminHandsOver(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ChangeAdmin(ctx, admin, other)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RequireAdmin(ctx, admin), ErrAccountMismatch)
	assert.NoError(t, svc.RequireAdmin(ctx, other))

	_, err = svc.SetFeeRecipient(ctx, other, other)
	assert.NoError(t, err)
}

func TestMaxFeeDefaultsToZero(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fee, err := svc.MaxFee(ctx, usdToken)
	require.NoError(t, err)
	assert.Zero(t, fee)

	_, err = svc.SetMaxFee(ctx, admin, usdToken, 20)
	require.NoError(t, err)
	fee, err = svc.MaxFee(ctx, usdToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), fee)

	// The native asset is configured independently.
	fee, _ = svc.MaxFee(ctx, common.Address{})
	assert.Zero(t, fee)

	tokens, err := svc.Tokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestMemoryStoreUpdateIsConditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, &Settings{Admin: admin, FeeRecipient: recv}))

	err := store.Update(ctx, &Settings{Admin: other, FeeRecipient: recv}, other)
	assert.True(t, errors.Is(err, ErrAccountMismatch))
}
