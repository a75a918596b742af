package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/settings"
	"github.com/mbd888/obridge/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	admin   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	feeAddr = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	token   = common.HexToAddress("0x1111111111111111111111111111111111111111")

	preimage  = []byte("correct horse battery staple")
	preimage2 = []byte("second secret")
)

// Relative lock timings: a=10000, e=100, t=50.
const (
	agreedAt    = 10_000
	stepExpect  = 100
	stepTolerat = 50
	reserve     = 10
)

type harness struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.Ledger
	settings *settings.Service
	clock    *clock.TestClock
	events   *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(eventType string, parties []common.Address, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st := settings.NewService(settings.NewMemoryStore(), logger)
	_, err := st.Initialize(ctx, admin, feeAddr, 100)
	require.NoError(t, err)
	_, err = st.SetMaxFee(ctx, admin, token, 20)
	require.NoError(t, err)

	l := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, alice, ledger.Native, 1_000_000, "seed-native"))
	require.NoError(t, l.Deposit(ctx, alice, token, 100_000, "seed-token"))

	h := &harness{
		store:    NewMemoryStore(),
		ledger:   l,
		settings: st,
		clock:    clock.NewTestClock(time.Unix(agreedAt, 0)),
		events:   &recorder{},
	}
	h.svc = NewService(h.store, l, st, logger).
		WithClock(h.clock).
		WithCustodyReserve(reserve).
		WithEvents(h.events)
	return h
}

func (h *harness) at(unix int64) {
	h.clock.SetTime(time.Unix(unix, 0))
}

func (h *harness) balance(t *testing.T, owner, asset common.Address) uint64 {
	t.Helper()
	v, err := h.ledger.Balance(context.Background(), owner, asset)
	require.NoError(t, err)
	return v
}

func relativeLock() *lock.Relative {
	return &lock.Relative{
		Hash:                   lock.HashPreimage(preimage),
		AgreementReachedTime:   agreedAt,
		ExpectedSingleStepTime: stepExpect,
		TolerantSingleStepTime: stepTolerat,
		EarliestRefundTime:     agreedAt + 3*stepExpect + 3*stepTolerat + 1,
	}
}

func createReq(isOut bool) CreateRequest {
	return CreateRequest{
		ID:   idgen.New(),
		From: alice,
		To:   bob,
		Legs: []LegRequest{
			{Asset: ledger.Native, Amount: 1_000},
			{Asset: token, Amount: 5_000},
		},
		Relative: relativeLock(),
		IsOut:    isOut,
		Memo:     []byte("invoice 42"),
	}
}

func (h *harness) create(t *testing.T, req CreateRequest) *Escrow {
	t.Helper()
	e, err := h.svc.Create(context.Background(), req.From, req)
	require.NoError(t, err)
	return e
}

func TestCreate_LocksFundsIntoCustody(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))

	assert.Equal(t, StatusOpen, e.Status)
	assert.Equal(t, ModelRelative, e.Model)
	require.Len(t, e.Legs, 2)
	assert.Equal(t, uint64(10), e.Legs[0].Fee, "100bp of 1000")
	assert.Equal(t, uint64(20), e.Legs[1].Fee, "50 capped at 20")
	assert.Equal(t, int64(agreedAt+451), e.RefundAt)
	assert.Equal(t, []byte("invoice 42"), []byte(e.Memo))

	assert.Equal(t, uint64(1_000_000-1_000-reserve), h.balance(t, alice, ledger.Native))
	assert.Equal(t, uint64(95_000), h.balance(t, alice, token))
	assert.Equal(t, uint64(1_000+reserve), h.balance(t, e.Custody, ledger.Native))
	assert.Equal(t, uint64(5_000), h.balance(t, e.Custody, token))

	got, err := h.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Custody, got.Custody)
	assert.Equal(t, []string{EventCreated}, h.events.types())
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		mutate func(*CreateRequest)
		want   error
	}{
		{"caller is not sender", bob, func(r *CreateRequest) {}, ErrInvalidSender},
		{"zero id", alice, func(r *CreateRequest) { r.ID = idgen.ID{} }, idgen.ErrInvalidID},
		{"zero recipient", alice, func(r *CreateRequest) { r.To = common.Address{} }, ErrInvalidRecipient},
		{"no legs", alice, func(r *CreateRequest) { r.Legs = nil }, ErrInvalidAmount},
		{"three legs", alice, func(r *CreateRequest) {
			r.Legs = append(r.Legs, LegRequest{Asset: carol, Amount: 1})
		}, ErrInvalidAmount},
		{"duplicate asset", alice, func(r *CreateRequest) { r.Legs[1].Asset = ledger.Native }, ErrInvalidAmount},
		{"all legs zero", alice, func(r *CreateRequest) {
			r.Legs[0].Amount = 0
			r.Legs[1].Amount = 0
		}, ErrInvalidAmount},
		{"no lock", alice, func(r *CreateRequest) { r.Relative = nil }, lock.ErrInvalidTimelock},
		{"both locks", alice, func(r *CreateRequest) {
			r.Absolute = &lock.Absolute{Lock1: lock.Deadline{Deadline: agreedAt + 10}, RefundTime: agreedAt + 20}
		}, lock.ErrInvalidTimelock},
		{"memo too large", alice, func(r *CreateRequest) {
			r.Memo = []byte(strings.Repeat("x", MaxMemoBytes+1))
		}, ErrMemoTooLarge},
		{"refund time too early", alice, func(r *CreateRequest) {
			r.Relative.EarliestRefundTime = agreedAt + 450
		}, lock.ErrInvalidRefundTime},
		{"negative step time", alice, func(r *CreateRequest) {
			r.Relative.TolerantSingleStepTime = -1
		}, lock.ErrInvalidTimelock},
		{"insufficient balance", alice, func(r *CreateRequest) { r.Legs[1].Amount = 100_001 }, ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := createReq(true)
			tt.mutate(&req)
			_, err := h.svc.Create(context.Background(), tt.caller, req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(1_000_000), h.balance(t, alice, ledger.Native), "no funds moved")
		})
	}
}

func TestCreate_PrepareDeadline(t *testing.T) {
	for _, tc := range []struct {
		isOut bool
		end   int64
	}{
		{true, agreedAt + stepExpect},
		{false, agreedAt + 2*stepExpect},
	} {
		h := newHarness(t)

		h.at(tc.end)
		_, err := h.svc.Create(context.Background(), alice, createReq(tc.isOut))
		require.NoError(t, err, "isOut=%v at end", tc.isOut)

		h.at(tc.end + 1)
		_, err = h.svc.Create(context.Background(), alice, createReq(tc.isOut))
		assert.ErrorIs(t, err, lock.ErrDeadlineExceeded, "isOut=%v past end", tc.isOut)
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	h := newHarness(t)
	req := createReq(true)
	h.create(t, req)

	_, err := h.svc.Create(context.Background(), alice, req)
	assert.ErrorIs(t, err, ErrEscrowExists)
	assert.Equal(t, uint64(1_000_000-1_000-reserve), h.balance(t, alice, ledger.Native))
}

func TestCreate_SingleLegSkipsZero(t *testing.T) {
	h := newHarness(t)
	req := createReq(true)
	req.Legs[0].Amount = 0
	e := h.create(t, req)

	assert.Equal(t, uint64(1_000_000-reserve), h.balance(t, alice, ledger.Native))
	assert.Equal(t, uint64(reserve), h.balance(t, e.Custody, ledger.Native))
	assert.Equal(t, uint64(0), e.Legs[0].Fee)
}

func TestConfirm_RecipientSettles(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))

	h.at(agreedAt + 3*stepExpect + 2*stepTolerat)
	got, err := h.svc.Confirm(context.Background(), e.ID, bob, ConfirmRequest{Preimage: preimage, IsOut: true})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, preimage, []byte(got.Preimage))
	require.NotNil(t, got.SettledBy)
	assert.Equal(t, bob, *got.SettledBy)
	assert.Nil(t, got.Outstanding())

	assert.Equal(t, uint64(990), h.balance(t, bob, ledger.Native))
	assert.Equal(t, uint64(4_980), h.balance(t, bob, token))
	assert.Equal(t, uint64(10), h.balance(t, feeAddr, ledger.Native))
	assert.Equal(t, uint64(20), h.balance(t, feeAddr, token))
	assert.Equal(t, uint64(1_000_000-1_000), h.balance(t, alice, ledger.Native), "reserve returned")
	assert.Equal(t, uint64(95_000), h.balance(t, alice, token))

	open, err := h.ledger.CustodyExists(context.Background(), e.Custody)
	require.NoError(t, err)
	assert.False(t, open)
	assert.Equal(t, []string{EventCreated, EventConfirmed}, h.events.types())
}

func TestConfirm_WindowBoundaries(t *testing.T) {
	tc := int64(agreedAt + 3*stepExpect)
	tests := []struct {
		name   string
		isOut  bool
		caller common.Address
		now    int64
		want   error
	}{
		{"out sender at end", true, alice, tc, nil},
		{"out sender after end", true, alice, tc + 1, lock.ErrDeadlineExceeded},
		{"out other before start", true, bob, tc + 2*stepTolerat - 1, lock.ErrDeadlineExceeded},
		{"out other at start", true, bob, tc + 2*stepTolerat, nil},
		{"out other at end", true, bob, tc + 3*stepTolerat, nil},
		{"out other after end", true, bob, tc + 3*stepTolerat + 1, lock.ErrDeadlineExceeded},
		{"in sender at end", false, alice, tc + stepTolerat, nil},
		{"in sender after end", false, alice, tc + stepTolerat + 1, lock.ErrDeadlineExceeded},
		{"in other before start", false, carol, tc + stepTolerat - 1, lock.ErrDeadlineExceeded},
		{"in other at start", false, carol, tc + stepTolerat, nil},
		{"in other at end", false, carol, tc + 2*stepTolerat, nil},
		{"in other after end", false, carol, tc + 2*stepTolerat + 1, lock.ErrDeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			e := h.create(t, createReq(tt.isOut))
			h.at(tt.now)
			_, err := h.svc.Confirm(context.Background(), e.ID, tt.caller, ConfirmRequest{Preimage: preimage, IsOut: tt.isOut})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestConfirm_Rejections(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	h.at(agreedAt + 3*stepExpect + 2*stepTolerat)
	ctx := context.Background()

	_, err := h.svc.Confirm(ctx, e.ID, bob, ConfirmRequest{Preimage: []byte("wrong"), IsOut: true})
	assert.ErrorIs(t, err, lock.ErrPreimageMismatch)

	_, err = h.svc.Confirm(ctx, e.ID, bob, ConfirmRequest{Preimage: preimage, IsOut: false})
	assert.ErrorIs(t, err, ErrInvalidDirection)

	_, err = h.svc.Confirm(ctx, idgen.New(), bob, ConfirmRequest{Preimage: preimage, IsOut: true})
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	got, err := h.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, uint64(0), h.balance(t, bob, ledger.Native))
}

func TestConfirm_CounterpartyBeforeWindow(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))

	h.at(agreedAt + 3*stepExpect)
	_, err := h.svc.Confirm(context.Background(), e.ID, bob, ConfirmRequest{Preimage: preimage, IsOut: true})
	assert.ErrorIs(t, err, lock.ErrDeadlineExceeded)
}

func TestRefund_Boundary(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	ctx := context.Background()

	h.at(e.RefundAt - 1)
	_, err := h.svc.Refund(ctx, e.ID, carol)
	assert.ErrorIs(t, err, lock.ErrNotRefundable)

	h.at(e.RefundAt)
	got, err := h.svc.Refund(ctx, e.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, carol, *got.SettledBy)
	assert.Equal(t, uint64(1_000_000), h.balance(t, alice, ledger.Native))
	assert.Equal(t, uint64(100_000), h.balance(t, alice, token))
	assert.Equal(t, uint64(0), h.balance(t, feeAddr, ledger.Native), "no fee on refund")

	_, err = h.svc.Refund(ctx, e.ID, carol)
	assert.ErrorIs(t, err, ErrEscrowClosed)
	_, err = h.svc.Confirm(ctx, e.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	assert.ErrorIs(t, err, ErrEscrowClosed)
	assert.Equal(t, []string{EventCreated, EventRefunded}, h.events.types())
}

func TestConfirm_ThenRefundFails(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	ctx := context.Background()

	_, err := h.svc.Confirm(ctx, e.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	require.NoError(t, err)

	h.at(e.RefundAt + 1_000)
	_, err = h.svc.Refund(ctx, e.ID, alice)
	assert.ErrorIs(t, err, ErrEscrowClosed)
}

func absoluteReq() CreateRequest {
	req := createReq(false)
	req.Relative = nil
	req.Absolute = &lock.Absolute{
		Lock1:      lock.Deadline{Hash: lock.HashPreimage(preimage), Deadline: agreedAt + 100},
		Lock2:      &lock.Deadline{Hash: lock.HashPreimage(preimage2), Deadline: agreedAt + 200},
		RefundTime: agreedAt + 300,
	}
	return req
}

func TestAbsolute_DualLock(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, absoluteReq())
	assert.Equal(t, ModelAbsolute, e.Model)
	assert.Equal(t, int64(agreedAt+300), e.RefundAt)
	ctx := context.Background()

	h.at(agreedAt + 150)
	_, err := h.svc.Confirm(ctx, e.ID, carol, ConfirmRequest{Preimage: preimage})
	assert.ErrorIs(t, err, lock.ErrPreimageMismatch, "lock1 expired, lock2 hash differs")

	got, err := h.svc.Confirm(ctx, e.ID, carol, ConfirmRequest{Preimage: preimage2})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, uint64(990), h.balance(t, bob, ledger.Native))
}

func TestAbsolute_AfterAllDeadlines(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, absoluteReq())
	ctx := context.Background()

	h.at(agreedAt + 201)
	_, err := h.svc.Confirm(ctx, e.ID, carol, ConfirmRequest{Preimage: preimage2})
	assert.ErrorIs(t, err, lock.ErrDeadlineExceeded)

	h.at(agreedAt + 299)
	_, err = h.svc.Refund(ctx, e.ID, carol)
	assert.ErrorIs(t, err, lock.ErrNotRefundable)

	h.at(agreedAt + 300)
	_, err = h.svc.Refund(ctx, e.ID, carol)
	require.NoError(t, err)
}

func TestAbsolute_CreateValidation(t *testing.T) {
	h := newHarness(t)
	req := absoluteReq()
	req.Absolute.Lock2.Deadline = agreedAt + 301
	_, err := h.svc.Create(context.Background(), alice, req)
	assert.ErrorIs(t, err, lock.ErrInvalidRefundTime)

	req = absoluteReq()
	req.Absolute.Lock1.Deadline = agreedAt
	_, err = h.svc.Create(context.Background(), alice, req)
	assert.ErrorIs(t, err, lock.ErrDeadlineExceeded)
}

func TestConfirm_ConcurrentSingleSettlement(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	h.at(agreedAt + 3*stepExpect + 2*stepTolerat)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Confirm(context.Background(), e.ID, bob, ConfirmRequest{Preimage: preimage, IsOut: true}); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrEscrowClosed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, uint64(990), h.balance(t, bob, ledger.Native))
}

// failingLedger fails Execute on demand and records the status readers see
// for watch while a batch is in flight.
type failingLedger struct {
	*ledger.Ledger
	fail     bool
	store    Store
	watch    idgen.ID
	inFlight []Status
}

func (f *failingLedger) Execute(ctx context.Context, b *ledger.Batch) error {
	if f.store != nil && !f.watch.IsZero() {
		if e, err := f.store.Get(ctx, f.watch); err == nil {
			f.inFlight = append(f.inFlight, e.Status)
		}
	}
	if f.fail {
		return errors.New("ledger unavailable")
	}
	return f.Ledger.Execute(ctx, b)
}

// guardFailingStore refuses every guarded write with err.
type guardFailingStore struct {
	*MemoryStore
	err error
}

func (g *guardFailingStore) CreateGuard(*Escrow) ledger.Guard {
	return func(context.Context, ledger.Tx) error { return g.err }
}

func (g *guardFailingStore) TransitionGuard(*Escrow, Status) ledger.Guard {
	return func(context.Context, ledger.Tx) error { return g.err }
}

func TestConfirm_LedgerFailureKeepsEscrowRefundable(t *testing.T) {
	h := newHarness(t)
	fl := &failingLedger{Ledger: h.ledger}
	h.svc.ledger = fl
	e := h.create(t, createReq(true))
	ctx := context.Background()

	fl.fail = true
	_, err := h.svc.Confirm(ctx, e.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	require.Error(t, err)

	got, err := h.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Empty(t, got.Preimage)
	assert.Equal(t, uint64(1_000+reserve), h.balance(t, e.Custody, ledger.Native))
	assert.Equal(t, uint64(5_000), h.balance(t, e.Custody, token))

	fl.fail = false
	h.at(e.RefundAt)
	refunded, err := h.svc.Refund(ctx, e.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.Equal(t, uint64(1_000_000), h.balance(t, alice, ledger.Native))
	assert.Equal(t, uint64(100_000), h.balance(t, alice, token))
	assert.Zero(t, h.balance(t, e.Custody, ledger.Native))
}

func TestConfirm_StatusUnchangedWhilePayoutInFlight(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	fl := &failingLedger{Ledger: h.ledger, store: h.store, watch: e.ID}
	h.svc.ledger = fl

	_, err := h.svc.Confirm(context.Background(), e.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusOpen}, fl.inFlight)

	got, err := h.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestConfirm_StatusConflictMovesNoFunds(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, createReq(true))
	h.svc.store = &guardFailingStore{MemoryStore: h.store, err: ErrStatusConflict}

	_, err := h.svc.Confirm(context.Background(), e.ID, alice, ConfirmRequest{Preimage: preimage, IsOut: true})
	assert.ErrorIs(t, err, ErrEscrowClosed)

	assert.Zero(t, h.balance(t, bob, ledger.Native))
	assert.Zero(t, h.balance(t, feeAddr, ledger.Native))
	assert.Equal(t, uint64(1_000+reserve), h.balance(t, e.Custody, ledger.Native))
	assert.Equal(t, uint64(5_000), h.balance(t, e.Custody, token))
}

func TestCreate_RecordFailureLocksNothing(t *testing.T) {
	h := newHarness(t)
	h.svc.store = &guardFailingStore{MemoryStore: h.store, err: errors.New("disk full")}
	req := createReq(true)

	_, err := h.svc.Create(context.Background(), alice, req)
	require.Error(t, err)

	assert.Equal(t, uint64(1_000_000), h.balance(t, alice, ledger.Native))
	assert.Equal(t, uint64(100_000), h.balance(t, alice, token))
	exists, err := h.ledger.CustodyExists(context.Background(), settlement.CustodyAccount(CustodyScope, req.ID))
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = h.store.Get(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestListByParty(t *testing.T) {
	h := newHarness(t)
	e1 := h.create(t, createReq(true))
	h.at(agreedAt + 1)
	e2 := h.create(t, createReq(true))

	list, err := h.svc.ListByParty(context.Background(), bob, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, e2.ID, list[0].ID, "newest first")
	assert.Equal(t, e1.ID, list[1].ID)

	list, err = h.svc.ListByParty(context.Background(), carol, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrEscrowNotFound, 404, "escrow_not_found"},
		{ErrEscrowClosed, 409, "escrow_closed"},
		{lock.ErrDeadlineExceeded, 409, "deadline_exceeded"},
		{lock.ErrNotRefundable, 409, "not_refundable"},
		{lock.ErrPreimageMismatch, 403, "preimage_mismatch"},
		{ErrInvalidSender, 403, "invalid_sender"},
		{ledger.ErrInsufficientBalance, 400, "insufficient_balance"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, tt := range tests {
		status, code := ErrorCode(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
