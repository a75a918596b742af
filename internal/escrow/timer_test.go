package escrow

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_RefundsExpired(t *testing.T) {
	h := newHarness(t)
	relayer := common.HexToAddress("0x000000000000000000000000000000000000beef")
	timer := NewTimer(h.svc, h.store, relayer, time.Minute, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	early := h.create(t, createReq(true))
	confirmed := h.create(t, createReq(true))
	_, err := h.svc.Confirm(ctx, confirmed.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	require.NoError(t, err)

	later := createReq(true)
	later.Relative.EarliestRefundTime = agreedAt + 1_000
	pending := h.create(t, later)

	assert.Equal(t, 0, timer.refundExpired(ctx), "nothing due yet")

	h.at(early.RefundAt)
	assert.Equal(t, 1, timer.refundExpired(ctx))

	got, err := h.svc.Get(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, relayer, *got.SettledBy)

	got, err = h.svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	h.at(agreedAt + 1_000)
	assert.Equal(t, 1, timer.refundExpired(ctx))
	assert.Equal(t, uint64(1_000_000-1_000), h.balance(t, alice, ledger.Native))
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, h.store, common.Address{}, 10*time.Millisecond, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	// Stop is non-blocking, so retry until the loop has picked it up.
	require.Eventually(t, func() bool {
		timer.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Running())
}
