package lock

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

var secret = []byte("correct horse battery staple")

func testRelative() Relative {
	// a=1000, e=100, t=50 -> a+3e+3t = 1450
	return Relative{
		Hash:                   HashPreimage(secret),
		AgreementReachedTime:   1000,
		ExpectedSingleStepTime: 100,
		TolerantSingleStepTime: 50,
		EarliestRefundTime:     1451,
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashPreimage(secret)
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed, h)
	}
	if _, err := ParseHash("0x1234"); err == nil {
		t.Fatal("expected error for short hash")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Fatal("expected error for bad hex")
	}
}

func TestHashTextForms(t *testing.T) {
	h := HashPreimage(secret)
	out, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := `"` + h.String() + `"`; string(out) != want {
		t.Fatalf("Marshal = %s, want %s", out, want)
	}
	if s := h.String(); !strings.HasPrefix(s, "0x") || len(s) != 2+2*HashSize || strings.ToLower(s) != s {
		t.Fatalf("String = %q, want lowercase 0x hex", s)
	}

	for _, in := range []string{
		strings.TrimPrefix(h.String(), "0x"),
		"0X" + strings.TrimPrefix(h.String(), "0x"),
	} {
		var got Hash
		if err := json.Unmarshal([]byte(`"`+in+`"`), &got); err != nil {
			t.Fatalf("Unmarshal(%q): %v", in, err)
		}
		if got != h {
			t.Fatalf("Unmarshal(%q) = %s", in, got)
		}
	}

	var bad Hash
	if err := json.Unmarshal([]byte(`"0x123"`), &bad); err == nil {
		t.Fatal("expected error for odd-length hex")
	}
}

func TestHashlock(t *testing.T) {
	l := testRelative()
	if err := l.CheckHashlock(secret); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := l.CheckHashlock([]byte("wrong")); !errors.Is(err, ErrPreimageMismatch) {
		t.Fatalf("expected ErrPreimageMismatch, got %v", err)
	}
}

func TestRelativeWindows(t *testing.T) {
	l := testRelative()
	tests := []struct {
		name       string
		step       Step
		isSender   bool
		isOut      bool
		start, end int64
	}{
		{"prepare out", StepPrepare, true, true, Unbounded, 1100},
		{"prepare in", StepPrepare, true, false, Unbounded, 1200},
		{"confirm out sender", StepConfirm, true, true, Unbounded, 1300},
		{"confirm out other", StepConfirm, false, true, 1400, 1450},
		{"confirm in sender", StepConfirm, true, false, Unbounded, 1350},
		{"confirm in other", StepConfirm, false, false, 1350, 1400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := l.Window(tt.step, tt.isSender, tt.isOut)
			if err != nil {
				t.Fatalf("Window: %v", err)
			}
			if w.Start != tt.start || w.End != tt.end {
				t.Fatalf("expected [%d, %d], got [%d, %d]", tt.start, tt.end, w.Start, w.End)
			}
			if !w.Contains(tt.end) {
				t.Fatal("end bound must be inclusive")
			}
			if w.Contains(tt.end + 1) {
				t.Fatal("end+1 must be outside")
			}
			if tt.start != Unbounded {
				if !w.Contains(tt.start) {
					t.Fatal("start bound must be inclusive")
				}
				if w.Contains(tt.start - 1) {
					t.Fatal("start-1 must be outside")
				}
			}
		})
	}
}

func TestRelativeInboundHandover(t *testing.T) {
	l := testRelative()

	// Inbound: the sender's window ends at a+3e+1t = 1350, the same second
	// the counterparty's opens, so both may confirm at 1350.
	if err := l.CheckConfirm(secret, 1350, true, false); err != nil {
		t.Fatalf("sender at handover: %v", err)
	}
	if err := l.CheckConfirm(secret, 1350, false, false); err != nil {
		t.Fatalf("counterparty at handover: %v", err)
	}
	if err := l.CheckConfirm(secret, 1351, true, false); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("sender after handover: expected ErrDeadlineExceeded, got %v", err)
	}
	if err := l.CheckConfirm(secret, 1349, false, false); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("counterparty before handover: expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestRelativeConfirmBoundaries(t *testing.T) {
	l := testRelative()

	// Counterparty on an outbound escrow opens at a+3e+2t = 1400.
	if err := l.CheckConfirm(secret, 1399, false, true); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("b-1: expected ErrDeadlineExceeded, got %v", err)
	}
	if err := l.CheckConfirm(secret, 1400, false, true); err != nil {
		t.Fatalf("b: expected success, got %v", err)
	}
	if err := l.CheckConfirm(secret, 1450, false, true); err != nil {
		t.Fatalf("end: expected success, got %v", err)
	}
	if err := l.CheckConfirm(secret, 1451, false, true); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("end+1: expected ErrDeadlineExceeded, got %v", err)
	}

	// Sender may confirm early.
	if err := l.CheckConfirm(secret, 0, true, true); err != nil {
		t.Fatalf("sender early: %v", err)
	}

	// Pre-image is checked before the window.
	if err := l.CheckConfirm([]byte("nope"), 1400, false, true); !errors.Is(err, ErrPreimageMismatch) {
		t.Fatalf("expected ErrPreimageMismatch, got %v", err)
	}
}

func TestRelativeRefundTime(t *testing.T) {
	l := testRelative()
	if err := l.CheckRefundTime(); err != nil {
		t.Fatalf("a+3e+3t+1 should be valid: %v", err)
	}
	l.EarliestRefundTime = 1450
	if err := l.CheckRefundTime(); !errors.Is(err, ErrInvalidRefundTime) {
		t.Fatalf("a+3e+3t should be rejected, got %v", err)
	}
}

func TestRelativeRefundable(t *testing.T) {
	l := testRelative()
	if err := l.Refundable(1450); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("b-1: expected ErrNotRefundable, got %v", err)
	}
	if err := l.Refundable(1451); err != nil {
		t.Fatalf("b: expected refundable, got %v", err)
	}
	if err := l.Refundable(1452); err != nil {
		t.Fatalf("b+1: expected refundable, got %v", err)
	}
	if l.RefundAt() != 1451 {
		t.Fatalf("expected RefundAt 1451, got %d", l.RefundAt())
	}
}

func TestRelativeValidate(t *testing.T) {
	l := testRelative()
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	neg := l
	neg.TolerantSingleStepTime = -1
	if err := neg.Validate(); !errors.Is(err, ErrInvalidTimelock) {
		t.Fatalf("expected ErrInvalidTimelock for negative step, got %v", err)
	}

	overflow := l
	overflow.ExpectedSingleStepTime = math.MaxInt64 / 2
	if err := overflow.Validate(); !errors.Is(err, ErrInvalidTimelock) {
		t.Fatalf("expected ErrInvalidTimelock for overflow, got %v", err)
	}
	if _, err := overflow.Window(StepConfirm, false, true); !errors.Is(err, ErrInvalidTimelock) {
		t.Fatalf("expected ErrInvalidTimelock from Window, got %v", err)
	}
}

func TestAbsoluteValidate(t *testing.T) {
	now := int64(10_000)
	h := HashPreimage(secret)
	tests := []struct {
		name string
		lock Absolute
		want error
	}{
		{"valid single", Absolute{Lock1: Deadline{h, now + 10}, RefundTime: now + 10}, nil},
		{"valid dual", Absolute{Lock1: Deadline{h, now + 10}, Lock2: &Deadline{h, now + 20}, RefundTime: now + 30}, nil},
		{"deadline at now", Absolute{Lock1: Deadline{h, now}, RefundTime: now + 10}, ErrDeadlineExceeded},
		{"lock2 in past", Absolute{Lock1: Deadline{h, now + 10}, Lock2: &Deadline{h, now - 1}, RefundTime: now + 30}, ErrDeadlineExceeded},
		{"deadline after refund", Absolute{Lock1: Deadline{h, now + 11}, RefundTime: now + 10}, ErrInvalidRefundTime},
		{"refund at horizon", Absolute{Lock1: Deadline{h, now + 10}, RefundTime: now + MaxRefundHorizon}, nil},
		{"refund past horizon", Absolute{Lock1: Deadline{h, now + 10}, RefundTime: now + MaxRefundHorizon + 1}, ErrInvalidRefundTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lock.Validate(now)
			if tt.want == nil && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAbsoluteDualLock(t *testing.T) {
	secret2 := []byte("second secret")
	a := Absolute{
		Lock1:      Deadline{HashPreimage(secret), 100},
		Lock2:      &Deadline{HashPreimage(secret2), 200},
		RefundTime: 300,
	}

	if err := a.Check(secret, 100); err != nil {
		t.Fatalf("lock1 at deadline: %v", err)
	}
	if err := a.Check(secret2, 150); err != nil {
		t.Fatalf("lock2 before deadline: %v", err)
	}
	// Lock1's deadline passed; lock2's result is reported.
	if err := a.Check(secret, 150); !errors.Is(err, ErrPreimageMismatch) {
		t.Fatalf("expected lock2 ErrPreimageMismatch, got %v", err)
	}
	if err := a.Check(secret2, 201); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}

	single := Absolute{Lock1: Deadline{HashPreimage(secret), 100}, RefundTime: 300}
	if err := single.Check(secret, 101); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected lock1 failure, got %v", err)
	}
	if err := single.Check(secret2, 50); !errors.Is(err, ErrPreimageMismatch) {
		t.Fatalf("expected lock1 mismatch, got %v", err)
	}
}

func TestAbsoluteRefundable(t *testing.T) {
	a := Absolute{
		Lock1:      Deadline{HashPreimage(secret), 100},
		RefundTime: 300,
	}
	for _, tc := range []struct {
		now  int64
		want error
	}{{299, ErrNotRefundable}, {300, nil}, {301, nil}} {
		err := a.Refundable(tc.now)
		if !errors.Is(err, tc.want) {
			t.Fatalf("now=%d: expected %v, got %v", tc.now, tc.want, err)
		}
	}

	// Refund time equal to deadline: refund opens one second after.
	b := Absolute{Lock1: Deadline{HashPreimage(secret), 300}, RefundTime: 300}
	if err := b.Refundable(300); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable at deadline, got %v", err)
	}
	if b.RefundAt() != 301 {
		t.Fatalf("expected RefundAt 301, got %d", b.RefundAt())
	}
	if err := b.Refundable(b.RefundAt()); err != nil {
		t.Fatalf("expected refundable at RefundAt, got %v", err)
	}
}

func TestStepLock(t *testing.T) {
	l := StepLock{AgreementReachedTime: 1000, StepTime: 60}
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	submit, _ := l.SubmitWindow()
	if !submit.Contains(1060) || submit.Contains(1061) {
		t.Fatalf("submit window wrong: %+v", submit)
	}
	confirm, _ := l.ConfirmWindow()
	if !confirm.Contains(1120) || confirm.Contains(1121) {
		t.Fatalf("confirm window wrong: %+v", confirm)
	}

	if err := l.Refundable(1120); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("refund at confirm end must fail, got %v", err)
	}
	if err := l.Refundable(1121); err != nil {
		t.Fatalf("refund after confirm end: %v", err)
	}
	if l.RefundAt() != 1121 {
		t.Fatalf("expected RefundAt 1121, got %d", l.RefundAt())
	}

	bad := StepLock{AgreementReachedTime: math.MaxInt64 - 10, StepTime: 60}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTimelock) {
		t.Fatalf("expected ErrInvalidTimelock, got %v", err)
	}
}
